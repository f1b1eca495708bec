package planner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveHints_ExplicitURL(t *testing.T) {
	hints := DeriveHints("Fill the form at https://www.forms.example.com/apply?x=1", "", nil)
	if hints.Domain != "forms.example.com" {
		t.Errorf("domain = %q", hints.Domain)
	}
	if hints.URL == "" {
		t.Error("url not captured")
	}
}

func TestDeriveHints_PrepositionPattern(t *testing.T) {
	cases := map[string]string{
		"book a table on opentable.com for two": "opentable.com",
		"find a flat at rightmove.co.uk":        "rightmove.co.uk",
		"send the report to intranet.corp.io":   "intranet.corp.io",
	}
	for task, want := range cases {
		if got := DeriveHints(task, "", nil).Domain; got != want {
			t.Errorf("DeriveHints(%q) = %q, want %q", task, got, want)
		}
	}
}

func TestDeriveHints_KnownSiteTable(t *testing.T) {
	hints := DeriveHints("Book me a stay via Airbnb next weekend", "", nil)
	if hints.Domain != "airbnb.com" {
		t.Errorf("domain = %q", hints.Domain)
	}
}

func TestDeriveHints_NoMatch(t *testing.T) {
	if got := DeriveHints("remind me to water the plants", "", nil).Domain; got != "" {
		t.Errorf("unexpected domain %q", got)
	}
}

func TestParseContextLines(t *testing.T) {
	text := "date: tomorrow\nparty = 4\nplease be quick about it\ntime: 7pm\n: empty\nbad key: x\nhttps://x.com/path\nHTTP://caps.example.com"
	got := ParseContextLines(text)
	want := map[string]string{"date": "tomorrow", "party": "4", "time": "7pm"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("got[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestLoadKnownSites_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	if err := os.WriteFile(path, []byte("mycorp: portal.mycorp.example\nairbnb: airbnb.co.uk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sites, err := LoadKnownSites(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if sites["mycorp"] != "portal.mycorp.example" {
		t.Errorf("custom entry missing: %v", sites["mycorp"])
	}
	if sites["airbnb"] != "airbnb.co.uk" {
		t.Errorf("override not applied: %v", sites["airbnb"])
	}
	if sites["opentable"] != "opentable.com" {
		t.Error("default entry lost")
	}
}

func TestLoadKnownSites_MissingFileUsesDefaults(t *testing.T) {
	sites, err := LoadKnownSites(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if sites["github"] != "github.com" {
		t.Error("defaults missing")
	}
}
