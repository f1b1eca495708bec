package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/knowledge"
	"taskpilot/internal/memory"
	"taskpilot/internal/model"
	"taskpilot/internal/session"
)

// MockBackend replays scripted responses, one per call.
type MockBackend struct {
	Responses []string
	Errs      []error
	Calls     int
	Prompts   []string
}

func (m *MockBackend) Ask(ctx context.Context, req model.Request) (model.Response, error) {
	return m.AskJSON(ctx, req)
}

func (m *MockBackend) AskJSON(ctx context.Context, req model.Request) (model.Response, error) {
	i := m.Calls
	m.Calls++
	m.Prompts = append(m.Prompts, req.Prompt)
	if i < len(m.Errs) && m.Errs[i] != nil {
		return model.Response{}, m.Errs[i]
	}
	if i >= len(m.Responses) {
		return model.Response{}, errors.New("mock backend exhausted")
	}
	return model.Response{Content: m.Responses[i]}, nil
}

// MockKnowledge implements KnowledgeReader with Func fields.
type MockKnowledge struct {
	GetKnowledgeFunc         func(domain string) (string, error)
	SearchKnowledgeFunc      func(query string) ([]knowledge.SearchHit, error)
	ListKnowledgeDomainsFunc func() ([]string, error)
}

func (m *MockKnowledge) GetKnowledge(domain string) (string, error) {
	if m.GetKnowledgeFunc != nil {
		return m.GetKnowledgeFunc(domain)
	}
	return "", nil
}

func (m *MockKnowledge) SearchKnowledge(query string) ([]knowledge.SearchHit, error) {
	if m.SearchKnowledgeFunc != nil {
		return m.SearchKnowledgeFunc(query)
	}
	return nil, nil
}

func (m *MockKnowledge) ListKnowledgeDomains() ([]string, error) {
	if m.ListKnowledgeDomainsFunc != nil {
		return m.ListKnowledgeDomainsFunc()
	}
	return nil, nil
}

// MockMemory implements MemoryReader.
type MockMemory struct {
	SearchMemoryFunc func(sessionID, query string, limit int) ([]memory.Hit, error)
	Available        bool
}

func (m *MockMemory) SearchMemory(sessionID, query string, limit int) ([]memory.Hit, error) {
	if m.SearchMemoryFunc != nil {
		return m.SearchMemoryFunc(sessionID, query, limit)
	}
	return nil, nil
}

func (m *MockMemory) IsMemoryAvailable() bool { return m.Available }

func newTestPlanner(backend model.Backend, know KnowledgeReader) *Planner {
	if know == nil {
		know = &MockKnowledge{}
	}
	return New(backend, know, &MockMemory{}, Config{
		CallTimeout: time.Second,
		TotalBudget: 5 * time.Second,
	})
}

func TestAnalyze_NoBackendUsesHeuristicsOnly(t *testing.T) {
	p := newTestPlanner(nil, nil)
	res, err := p.Analyze(context.Background(), Request{Task: "book a table on opentable.com"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !res.ReadyToExecute {
		t.Error("heuristic-only plan must be ready to execute")
	}
	if res.Domain != "opentable.com" {
		t.Errorf("domain = %q", res.Domain)
	}
	if res.Exploration.Type != ExplorationNone {
		t.Errorf("exploration = %q", res.Exploration.Type)
	}
}

func TestAnalyze_FinishPlanningEndsLoop(t *testing.T) {
	backend := &MockBackend{Responses: []string{
		`[{"id":"f1","name":"finish_planning","input":{"domain":"opentable.com","ready_to_execute":true,"plan":"search then book"}}]`,
	}}
	p := newTestPlanner(backend, nil)

	res, err := p.Analyze(context.Background(), Request{SessionID: "s1", Task: "book a table"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if backend.Calls != 1 {
		t.Errorf("expected 1 model call, got %d", backend.Calls)
	}
	if res.Domain != "opentable.com" || !res.ReadyToExecute || res.Plan != "search then book" {
		t.Errorf("unexpected result: %+v", res)
	}
	last := res.Trace[len(res.Trace)-1]
	if last.Category != session.TraceFinish {
		t.Errorf("final trace category = %q", last.Category)
	}
}

func TestAnalyze_ModelDomainOverridesHeuristic(t *testing.T) {
	backend := &MockBackend{Responses: []string{
		`[{"id":"f1","name":"finish_planning","input":{"domain":"airbnb.co.uk","ready_to_execute":true}}]`,
	}}
	p := newTestPlanner(backend, nil)

	res, _ := p.Analyze(context.Background(), Request{Task: "book a stay on airbnb"})
	if res.Domain != "airbnb.co.uk" {
		t.Errorf("model domain should win, got %q", res.Domain)
	}
}

func TestAnalyze_BundledFinishIsNotHonored(t *testing.T) {
	searched := false
	know := &MockKnowledge{
		SearchKnowledgeFunc: func(query string) ([]knowledge.SearchHit, error) {
			searched = true
			return []knowledge.SearchHit{{Domain: "opentable.com", Snippet: "booking flow"}}, nil
		},
	}
	backend := &MockBackend{Responses: []string{
		// finish bundled with a search: the finish must be deferred.
		`[{"id":"t1","name":"search_knowledge","input":{"query":"opentable"}},{"id":"f1","name":"finish_planning","input":{"domain":"wrong.example","ready_to_execute":true}}]`,
		`[{"id":"f2","name":"finish_planning","input":{"domain":"opentable.com","ready_to_execute":true}}]`,
	}}
	p := newTestPlanner(backend, know)

	res, err := p.Analyze(context.Background(), Request{Task: "book a table"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if backend.Calls != 2 {
		t.Fatalf("expected a second turn after deferred finish, got %d calls", backend.Calls)
	}
	if !searched {
		t.Error("bundled non-finish call was not executed")
	}
	if res.Domain != "opentable.com" {
		t.Errorf("deferred finish domain = %q", res.Domain)
	}
}

func TestAnalyze_NoToolCallRepromptsOnceThenPermissive(t *testing.T) {
	backend := &MockBackend{Responses: []string{
		"I think I should look around the site first.",
		"Still thinking about it.",
	}}
	p := newTestPlanner(backend, nil)

	res, err := p.Analyze(context.Background(), Request{Task: "do something"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if backend.Calls != 2 {
		t.Errorf("expected exactly one re-prompt, got %d calls", backend.Calls)
	}
	if !res.ReadyToExecute {
		t.Error("permissive finish must set ready_to_execute")
	}
}

func TestAnalyze_CompletionLanguageIsImplicitFinish(t *testing.T) {
	backend := &MockBackend{Responses: []string{
		"Everything looks fine, I am ready to proceed with the task.",
	}}
	p := newTestPlanner(backend, nil)

	res, err := p.Analyze(context.Background(), Request{Task: "do something"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if backend.Calls != 1 {
		t.Errorf("implicit finish should not re-prompt, got %d calls", backend.Calls)
	}
	if !res.ReadyToExecute {
		t.Error("implicit finish must set ready_to_execute")
	}
}

func TestAnalyze_ModelFailureFallsBackToPartialResult(t *testing.T) {
	know := &MockKnowledge{
		GetKnowledgeFunc: func(domain string) (string, error) { return "known site notes", nil },
	}
	backend := &MockBackend{
		Responses: []string{
			`[{"id":"t1","name":"read_knowledge","input":{"domain":"opentable.com"}}]`,
			"",
		},
		Errs: []error{nil, errors.New("upstream 500")},
	}
	p := newTestPlanner(backend, know)

	res, err := p.Analyze(context.Background(), Request{Task: "book on opentable.com"})
	if err != nil {
		t.Fatalf("analyze should not propagate in-loop model errors: %v", err)
	}
	if res.SiteKnowledge != "known site notes" {
		t.Error("partial result from first turn lost")
	}
	if !res.ReadyToExecute {
		t.Error("fallback must finish permissively")
	}

	foundErr := false
	for _, step := range res.Trace {
		if step.Category == session.TraceError {
			foundErr = true
		}
	}
	if !foundErr {
		t.Error("model failure not recorded in trace")
	}
}

func TestAnalyze_ExplorationDecisionPassedThrough(t *testing.T) {
	backend := &MockBackend{Responses: []string{
		`[{"id":"f1","name":"finish_planning","input":{"domain":"newsite.example","ready_to_execute":true,"exploration":{"type":"workflow","task":"learn the checkout flow","reason":"never seen this site"}}}]`,
	}}
	p := newTestPlanner(backend, nil)

	res, _ := p.Analyze(context.Background(), Request{Task: "buy a thing"})
	if res.Exploration.Type != ExplorationWorkflow {
		t.Errorf("exploration type = %q", res.Exploration.Type)
	}
	if res.Exploration.Task != "learn the checkout flow" {
		t.Errorf("exploration task = %q", res.Exploration.Task)
	}
}

func TestAnalyze_ToolResultsFedBackToModel(t *testing.T) {
	know := &MockKnowledge{
		ListKnowledgeDomainsFunc: func() ([]string, error) {
			return []string{"opentable.com", "airbnb.com"}, nil
		},
	}
	backend := &MockBackend{Responses: []string{
		`[{"id":"t1","name":"list_domains","input":{}}]`,
		`[{"id":"f1","name":"finish_planning","input":{"domain":"opentable.com","ready_to_execute":true}}]`,
	}}
	p := newTestPlanner(backend, know)

	_, err := p.Analyze(context.Background(), Request{Task: "book a table"})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(backend.Prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(backend.Prompts))
	}
	second := backend.Prompts[1]
	if !containsAll(second, "list_domains", "opentable.com", "airbnb.com") {
		t.Errorf("tool results not fed back:\n%s", second)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
