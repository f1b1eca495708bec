// Package session owns the task session entity and its state machine.
// All state changes go through the Manager's validated transition table;
// the only bypass is the reaper force-failing a stale session.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated   State = "CREATED"
	StatePlanning  State = "PLANNING"
	StateNeedsInfo State = "NEEDS_INFO"
	StateReady     State = "READY"
	StateExecuting State = "EXECUTING"
	StateBlocked   State = "BLOCKED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether a session in this state can never change again.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// allowedTransitions is the static edge table. EXECUTING -> PLANNING exists
// for replanning after an exploration sub-task completes; BLOCKED -> EXECUTING
// resumes execution once a follow-up message answers the blocking questions.
var allowedTransitions = map[State][]State{
	StateCreated:   {StatePlanning, StateCancelled, StateFailed},
	StatePlanning:  {StateNeedsInfo, StateReady, StateFailed, StateCancelled},
	StateNeedsInfo: {StatePlanning, StateReady, StateFailed, StateCancelled},
	StateReady:     {StateExecuting, StateFailed, StateCancelled},
	StateExecuting: {StateCompleted, StateFailed, StateBlocked, StatePlanning, StateCancelled},
	StateBlocked:   {StateExecuting, StatePlanning, StateFailed, StateCancelled},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// AllowedTransitions returns the states reachable from the given state.
func AllowedTransitions(from State) []State {
	edges := allowedTransitions[from]
	out := make([]State, len(edges))
	copy(out, edges)
	return out
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TraceCategory tags a trace entry with the kind of event it records.
// Categories come directly from the planner/orchestrator, never re-derived
// from the human-readable text.
type TraceCategory string

const (
	TraceSearchKnowledge TraceCategory = "search_knowledge"
	TraceReadKnowledge   TraceCategory = "read_knowledge"
	TraceQueryMemory     TraceCategory = "query_memory"
	TraceListDomains     TraceCategory = "list_domains"
	TraceFinish          TraceCategory = "finish"
	TraceError           TraceCategory = "error"
	TraceProgress        TraceCategory = "progress"
	TraceExploration     TraceCategory = "exploration"
)

// TraceEntry is one timestamped record in a session's audit log.
type TraceEntry struct {
	Category  TraceCategory `json:"category"`
	Detail    string        `json:"detail"`
	Success   bool          `json:"success"`
	URL       string        `json:"url,omitempty"`
	Selector  string        `json:"selector,omitempty"`
	Value     string        `json:"value,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// PendingQuestion is one piece of information the caller must supply before
// execution can proceed.
type PendingQuestion struct {
	ID       string `json:"id"`
	Field    string `json:"field"`
	Question string `json:"question"`
	Required bool   `json:"required"`
}

// Session tracks one user task end-to-end, including any nested exploration
// sub-task (which reuses the same id and is marked in CollectedInfo).
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	State  State  `json:"state"`

	Task          string `json:"task"`
	URL           string `json:"url,omitempty"`
	Context       string `json:"context,omitempty"`
	Domain        string `json:"domain,omitempty"`
	SiteKnowledge string `json:"site_knowledge,omitempty"`
	Plan          string `json:"plan,omitempty"`

	CollectedInfo    map[string]string `json:"collected_info"`
	PendingQuestions []PendingQuestion `json:"pending_questions,omitempty"`
	ExecutionTrace   []TraceEntry      `json:"execution_trace"`

	CurrentStep string `json:"current_step,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a deep copy so callers can inspect a session without racing
// against manager mutators.
func (s *Session) clone() *Session {
	cp := *s
	cp.CollectedInfo = make(map[string]string, len(s.CollectedInfo))
	for k, v := range s.CollectedInfo {
		cp.CollectedInfo[k] = v
	}
	cp.PendingQuestions = make([]PendingQuestion, len(s.PendingQuestions))
	copy(cp.PendingQuestions, s.PendingQuestions)
	cp.ExecutionTrace = make([]TraceEntry, len(s.ExecutionTrace))
	copy(cp.ExecutionTrace, s.ExecutionTrace)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
