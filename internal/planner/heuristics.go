package planner

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hints are cheap pre-model guesses merged into the initial planning prompt.
// They never override a domain the model itself reports in finish_planning.
type Hints struct {
	Domain  string
	URL     string
	Context map[string]string
}

var (
	urlPattern = regexp.MustCompile(`https?://([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})[^\s]*`)
	// "on opentable.com", "at airbnb.com", "to example.org"
	prepositionPattern = regexp.MustCompile(`(?i)\b(?:on|at|to)\s+([a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)*\.[a-zA-Z]{2,})\b`)
)

// defaultKnownSites maps common site names mentioned in tasks to domains.
// Extended or replaced via LoadKnownSites.
var defaultKnownSites = map[string]string{
	"opentable":   "opentable.com",
	"airbnb":      "airbnb.com",
	"amazon":      "amazon.com",
	"expedia":     "expedia.com",
	"booking.com": "booking.com",
	"doordash":    "doordash.com",
	"yelp":        "yelp.com",
	"linkedin":    "linkedin.com",
	"github":      "github.com",
	"google":      "google.com",
}

// LoadKnownSites reads a name -> domain table from a YAML file. The result
// is merged over the built-in defaults.
func LoadKnownSites(path string) (map[string]string, error) {
	merged := make(map[string]string, len(defaultKnownSites))
	for k, v := range defaultKnownSites {
		merged[k] = v
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return nil, err
	}

	var fromFile map[string]string
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, err
	}
	for k, v := range fromFile {
		merged[strings.ToLower(k)] = strings.ToLower(v)
	}
	return merged, nil
}

// DeriveHints runs the pre-model heuristics over the task text and free-form
// context: explicit URL, "on/at/to domain.tld" phrasing, the known-site name
// table, and key:value context lines.
func DeriveHints(task, context string, knownSites map[string]string) Hints {
	if knownSites == nil {
		knownSites = defaultKnownSites
	}
	hints := Hints{Context: ParseContextLines(context)}

	if m := urlPattern.FindStringSubmatch(task); m != nil {
		hints.URL = m[0]
		hints.Domain = strings.ToLower(strings.TrimPrefix(m[1], "www."))
		return hints
	}

	if m := prepositionPattern.FindStringSubmatch(task); m != nil {
		hints.Domain = strings.ToLower(strings.TrimPrefix(m[1], "www."))
		return hints
	}

	lowered := strings.ToLower(task)
	for name, domain := range knownSites {
		if strings.Contains(lowered, name) {
			hints.Domain = domain
			return hints
		}
	}
	return hints
}

// ParseContextLines extracts "key: value" and "key = value" pairs from
// free text. Keys are case-folded; bare URLs and other lines are ignored.
func ParseContextLines(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// A bare URL would split at the scheme colon into key "https".
		lowered := strings.ToLower(line)
		if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
			continue
		}
		var key, value string
		if k, v, ok := strings.Cut(line, ":"); ok {
			key, value = k, v
		} else if k, v, ok := strings.Cut(line, "="); ok {
			key, value = k, v
		} else {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		out[key] = value
	}
	return out
}
