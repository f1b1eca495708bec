// Package planner implements the bounded agentic planning loop: a language
// model drives a fixed tool set over the knowledge and memory stores to
// decide target domain, readiness, missing information, and whether an
// exploration sub-task is needed before execution.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/knowledge"
	"taskpilot/internal/logging"
	"taskpilot/internal/memory"
	"taskpilot/internal/model"
	"taskpilot/internal/session"
)

// Tool names in the fixed protocol.
const (
	ToolSearchKnowledge = "search_knowledge"
	ToolReadKnowledge   = "read_knowledge"
	ToolQueryMemory     = "query_memory"
	ToolListDomains     = "list_domains"
	ToolFinishPlanning  = "finish_planning"
)

// ExplorationType tags the planner's exploration recommendation.
type ExplorationType string

const (
	ExplorationNone     ExplorationType = "none"
	ExplorationOverview ExplorationType = "overview"
	ExplorationWorkflow ExplorationType = "workflow"
)

// Exploration is the finish_planning exploration field, consumed verbatim by
// the orchestrator.
type Exploration struct {
	Type   ExplorationType `json:"type"`
	Task   string          `json:"task,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// TraceStep is one tagged planning event, classified at the source rather
// than re-derived from prose.
type TraceStep struct {
	Category session.TraceCategory
	Detail   string
	Success  bool
	Err      string
}

// Result is the outcome of one planning run.
type Result struct {
	Domain         string
	ReadyToExecute bool
	MissingInfo    []string
	Plan           string
	SiteKnowledge  string
	CollectedInfo  map[string]string
	Exploration    Exploration
	Trace          []TraceStep
}

// KnowledgeReader is the knowledge surface the loop's tools consult.
type KnowledgeReader interface {
	GetKnowledge(domain string) (string, error)
	SearchKnowledge(query string) ([]knowledge.SearchHit, error)
	ListKnowledgeDomains() ([]string, error)
}

// MemoryReader is the recall surface for the query_memory tool.
type MemoryReader interface {
	SearchMemory(sessionID, query string, limit int) ([]memory.Hit, error)
	IsMemoryAvailable() bool
}

// Config bounds the loop.
type Config struct {
	// CallTimeout bounds each individual model round-trip.
	CallTimeout time.Duration

	// TotalBudget bounds the whole loop's wall clock.
	TotalBudget time.Duration

	// MaxNoToolTurns is the number of consecutive turns with no parseable
	// tool call before the loop finishes with permissive defaults.
	MaxNoToolTurns int

	// MaxTurns is a hard iteration cap.
	MaxTurns int

	// KnownSites is the heuristic site-name table.
	KnownSites map[string]string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    45 * time.Second,
		TotalBudget:    3 * time.Minute,
		MaxNoToolTurns: 2,
		MaxTurns:       12,
	}
}

// Planner runs the loop. A nil backend degrades to heuristics only.
type Planner struct {
	backend   model.Backend
	knowledge KnowledgeReader
	memory    MemoryReader
	cfg       Config
}

// New creates a planner.
func New(backend model.Backend, know KnowledgeReader, mem MemoryReader, cfg Config) *Planner {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = DefaultConfig().TotalBudget
	}
	if cfg.MaxNoToolTurns <= 0 {
		cfg.MaxNoToolTurns = DefaultConfig().MaxNoToolTurns
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	return &Planner{backend: backend, knowledge: know, memory: mem, cfg: cfg}
}

// Request describes one planning run.
type Request struct {
	SessionID     string
	Task          string
	Context       string
	CollectedInfo map[string]string
}

// finishInput is the finish_planning payload.
type finishInput struct {
	Domain         string      `json:"domain"`
	ReadyToExecute *bool       `json:"ready_to_execute"`
	MissingInfo    []string    `json:"missing_info"`
	Plan           string      `json:"plan"`
	Exploration    Exploration `json:"exploration"`
}

// Analyze runs the planning loop until finish_planning, the total budget, or
// the no-tool-call budget ends it. Model failures abort the loop and return
// whatever partial result has accumulated.
func (p *Planner) Analyze(ctx context.Context, req Request) (*Result, error) {
	hints := DeriveHints(req.Task, req.Context, p.cfg.KnownSites)

	result := &Result{
		Domain:        hints.Domain,
		CollectedInfo: mergeInfo(hints.Context, req.CollectedInfo),
	}

	if p.backend == nil {
		// No model configured: skip the loop entirely.
		result.ReadyToExecute = true
		result.Exploration = Exploration{Type: ExplorationNone}
		logging.Planner("No model backend; heuristic-only plan domain=%q", result.Domain)
		return result, nil
	}

	deadline := time.Now().Add(p.cfg.TotalBudget)
	transcript := p.initialPrompt(req, hints)
	noToolTurns := 0

	for turn := 0; turn < p.cfg.MaxTurns; turn++ {
		if time.Now().After(deadline) {
			logging.Planner("Planning budget elapsed for session %s; finishing permissively", req.SessionID)
			p.finishPermissive(result)
			return result, nil
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		resp, err := p.backend.AskJSON(callCtx, model.Request{
			Prompt:       transcript,
			SystemPrompt: planningSystemPrompt,
			MaxTokens:    2048,
			Tier:         model.TierBalanced,
		})
		cancel()
		if err != nil {
			// In-loop model failures are not retried; fall back to the
			// partial result.
			logging.Get(logging.CategoryPlanner).Warn("Model call failed in planning loop: %v", err)
			result.Trace = append(result.Trace, TraceStep{
				Category: session.TraceError,
				Detail:   "model call failed during planning",
				Err:      err.Error(),
			})
			p.finishPermissive(result)
			return result, nil
		}

		calls, err := ExtractToolCalls(resp.Content)
		if err != nil {
			noToolTurns++
			if containsCompletionLanguage(resp.Content) {
				logging.PlannerDebug("Implicit finish from completion language")
				p.finishPermissive(result)
				return result, nil
			}
			if noToolTurns >= p.cfg.MaxNoToolTurns {
				logging.Planner("No tool calls after %d turns; finishing permissively", noToolTurns)
				p.finishPermissive(result)
				return result, nil
			}
			transcript += "\n\nYour last response contained no tool calls. Respond with a JSON array of tool calls only."
			continue
		}
		noToolTurns = 0

		finish, others := splitFinish(calls)

		// Anti-hallucination: a finish bundled with information-gathering
		// calls is not honored. Execute the other calls, feed their results
		// back, and force the model to re-issue finish_planning grounded in
		// what the tools actually returned.
		if finish != nil && len(others) > 0 {
			logging.PlannerDebug("Deferring finish_planning bundled with %d other calls", len(others))
			transcript += p.runTools(req, others, result)
			transcript += "\nfinish_planning was ignored because it was bundled with other tool calls. Review the results above, then issue finish_planning alone."
			continue
		}

		if finish != nil {
			p.applyFinish(finish, result)
			return result, nil
		}

		transcript += p.runTools(req, others, result)
		transcript += "\nContinue. Issue more tool calls, or finish_planning when you have enough information."
	}

	p.finishPermissive(result)
	return result, nil
}

// runTools executes non-finish calls and returns transcript text with their
// results.
func (p *Planner) runTools(req Request, calls []ToolCall, result *Result) string {
	var sb strings.Builder
	for _, call := range calls {
		output, step := p.dispatch(req, call, result)
		result.Trace = append(result.Trace, step)
		sb.WriteString(fmt.Sprintf("\n\nResult of %s (%s):\n%s", call.Name, call.ID, output))
	}
	return sb.String()
}

// dispatch executes one tool call and classifies it.
func (p *Planner) dispatch(req Request, call ToolCall, result *Result) (string, TraceStep) {
	switch call.Name {
	case ToolSearchKnowledge:
		query := stringInput(call.Input, "query")
		hits, err := p.knowledge.SearchKnowledge(query)
		if err != nil {
			return "search failed: " + err.Error(), TraceStep{Category: session.TraceSearchKnowledge, Detail: query, Err: err.Error()}
		}
		if len(hits) == 0 {
			return "no matches", TraceStep{Category: session.TraceSearchKnowledge, Detail: query, Success: true}
		}
		var sb strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&sb, "- %s: %s\n", h.Domain, h.Snippet)
		}
		return sb.String(), TraceStep{Category: session.TraceSearchKnowledge, Detail: query, Success: true}

	case ToolReadKnowledge:
		domain := stringInput(call.Input, "domain")
		content, err := p.knowledge.GetKnowledge(domain)
		if err != nil {
			return "read failed: " + err.Error(), TraceStep{Category: session.TraceReadKnowledge, Detail: domain, Err: err.Error()}
		}
		if content == "" {
			return "no knowledge stored for " + domain, TraceStep{Category: session.TraceReadKnowledge, Detail: domain, Success: true}
		}
		result.SiteKnowledge = content
		return content, TraceStep{Category: session.TraceReadKnowledge, Detail: domain, Success: true}

	case ToolQueryMemory:
		if p.memory == nil || !p.memory.IsMemoryAvailable() {
			return "memory unavailable", TraceStep{Category: session.TraceQueryMemory, Detail: "unavailable", Success: true}
		}
		query := stringInput(call.Input, "query")
		limit := intInput(call.Input, "limit", 5)
		hits, err := p.memory.SearchMemory(req.SessionID, query, limit)
		if err != nil {
			return "memory search failed: " + err.Error(), TraceStep{Category: session.TraceQueryMemory, Detail: query, Err: err.Error()}
		}
		if len(hits) == 0 {
			return "no relevant memories", TraceStep{Category: session.TraceQueryMemory, Detail: query, Success: true}
		}
		var sb strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&sb, "- (%.2f) %s\n", h.Score, h.Memory)
		}
		return sb.String(), TraceStep{Category: session.TraceQueryMemory, Detail: query, Success: true}

	case ToolListDomains:
		domains, err := p.knowledge.ListKnowledgeDomains()
		if err != nil {
			return "list failed: " + err.Error(), TraceStep{Category: session.TraceListDomains, Err: err.Error()}
		}
		if len(domains) == 0 {
			return "no domains with stored knowledge", TraceStep{Category: session.TraceListDomains, Detail: "0 domains", Success: true}
		}
		return strings.Join(domains, "\n"), TraceStep{
			Category: session.TraceListDomains,
			Detail:   fmt.Sprintf("%d domains", len(domains)),
			Success:  true,
		}

	default:
		return "unknown tool: " + call.Name, TraceStep{Category: session.TraceError, Detail: call.Name, Err: "unknown tool"}
	}
}

// applyFinish consumes a finish_planning call.
func (p *Planner) applyFinish(call *ToolCall, result *Result) {
	var input finishInput
	if data, err := json.Marshal(call.Input); err == nil {
		_ = json.Unmarshal(data, &input)
	}

	// The model's domain wins over the heuristic hint.
	if input.Domain != "" {
		result.Domain = strings.ToLower(input.Domain)
	}
	if input.ReadyToExecute != nil {
		result.ReadyToExecute = *input.ReadyToExecute
	} else {
		result.ReadyToExecute = true
	}
	result.MissingInfo = input.MissingInfo
	result.Plan = input.Plan
	result.Exploration = input.Exploration
	if result.Exploration.Type == "" {
		result.Exploration.Type = ExplorationNone
	}

	result.Trace = append(result.Trace, TraceStep{
		Category: session.TraceFinish,
		Detail: fmt.Sprintf("domain=%s ready=%v exploration=%s",
			result.Domain, result.ReadyToExecute, result.Exploration.Type),
		Success: true,
	})
	logging.Planner("finish_planning: domain=%s ready=%v missing=%d exploration=%s",
		result.Domain, result.ReadyToExecute, len(result.MissingInfo), result.Exploration.Type)
}

// finishPermissive ends the loop with defaults rather than hanging.
func (p *Planner) finishPermissive(result *Result) {
	result.ReadyToExecute = true
	if result.Exploration.Type == "" {
		result.Exploration.Type = ExplorationNone
	}
	result.Trace = append(result.Trace, TraceStep{
		Category: session.TraceFinish,
		Detail:   "permissive finish",
		Success:  true,
	})
}

const planningSystemPrompt = `You are the planning stage of a task automation engine.
You decide which website a task targets, whether enough information exists to
execute it, and whether the site should be explored first.

Available tools:
- search_knowledge {"query": string} - search stored site knowledge
- read_knowledge {"domain": string} - read the full knowledge document for a domain
- query_memory {"query": string, "limit": number} - recall observations from past sessions
- list_domains {} - list domains with stored knowledge
- finish_planning {"domain": string, "ready_to_execute": bool, "missing_info": [string], "plan": string, "exploration": {"type": "none"|"overview"|"workflow", "task": string, "reason": string}} - end planning

Respond with ONLY a JSON array of tool calls, each {"id": string, "name": string, "input": object}.
Recommend exploration type "overview" when nothing is known about the domain,
"workflow" when the task's flow on the site is unknown. Use "none" otherwise.`

func (p *Planner) initialPrompt(req Request, hints Hints) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.Task)
	if req.Context != "" {
		fmt.Fprintf(&sb, "Caller context:\n%s\n", req.Context)
	}
	if len(req.CollectedInfo) > 0 {
		sb.WriteString("Collected info:\n")
		for k, v := range req.CollectedInfo {
			if strings.HasPrefix(k, "_") {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}
	if hints.Domain != "" {
		fmt.Fprintf(&sb, "Heuristic domain hint (may be wrong): %s\n", hints.Domain)
	}
	if hints.URL != "" {
		fmt.Fprintf(&sb, "Explicit URL in task: %s\n", hints.URL)
	}
	sb.WriteString("\nBegin planning.")
	return sb.String()
}

func splitFinish(calls []ToolCall) (*ToolCall, []ToolCall) {
	var finish *ToolCall
	others := make([]ToolCall, 0, len(calls))
	for i := range calls {
		if calls[i].Name == ToolFinishPlanning {
			if finish == nil {
				finish = &calls[i]
			}
			continue
		}
		others = append(others, calls[i])
	}
	return finish, others
}

func containsCompletionLanguage(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range []string{"ready", "finish", "proceed"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func stringInput(input map[string]interface{}, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func intInput(input map[string]interface{}, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func mergeInfo(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}
