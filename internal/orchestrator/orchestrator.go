// Package orchestrator sequences the task lifecycle: planning, optional
// exploration sub-tasks, execution, and completion. It owns the translation
// of execution-surface events into session state transitions and the
// automatic resumption of the original task after an exploration finishes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"taskpilot/internal/logging"
	"taskpilot/internal/planner"
	"taskpilot/internal/session"
)

// ErrMaxConcurrentSessions is returned by StartTask when the admission cap
// is reached. No session is created in that case.
var ErrMaxConcurrentSessions = errors.New("max_concurrent_sessions")

// Exploration sub-tasks reuse the parent session id and are distinguished by
// these markers in collectedInfo rather than by a separate entity.
const (
	markExploring       = "_exploring"
	markExplorationType = "_explorationType"
	markOriginalTask    = "_originalTask"
	markLastMessage     = "_lastMessage"
)

// TaskPlanner is the planning loop's surface, satisfied by *planner.Planner.
type TaskPlanner interface {
	Analyze(ctx context.Context, req planner.Request) (*planner.Result, error)
}

// Executor is the execution surface. Execute is invoked exactly once per
// ready decision and must eventually emit one terminal event (complete or
// error) plus any number of progress/blocked events back through
// UpdateFromBrowserEvent.
type Executor interface {
	Execute(ctx context.Context, sessionID, task, url string, contextInfo map[string]string, siteKnowledge string) error
	SendMessage(ctx context.Context, sessionID, message string) error
}

// KnowledgeWriter persists exploration reports for later planning runs.
type KnowledgeWriter interface {
	GetKnowledge(domain string) (string, error)
	SaveKnowledge(domain, content string) error
	AppendKnowledge(domain, markdown string) error
}

// MemoryRecorder stores learn-from-session notes. Best-effort; failures
// never affect a session's terminal state.
type MemoryRecorder interface {
	Record(sessionID, memory string) error
	IsMemoryAvailable() bool
}

// Config bounds the orchestrator.
type Config struct {
	// MaxConcurrent caps admitted sessions. Zero means the default.
	MaxConcurrent int64
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 5}
}

// Orchestrator composes the session manager, the planning loop, and the
// executor. Operations on the same session are serialized behind a
// per-session lock; unrelated sessions never contend.
type Orchestrator struct {
	sessions  *session.Manager
	planner   TaskPlanner
	executor  Executor
	knowledge KnowledgeWriter
	memory    MemoryRecorder

	admission *semaphore.Weighted

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	holding map[string]bool
}

// New creates an orchestrator. Executor, knowledge, and memory may be nil;
// the corresponding behaviors degrade gracefully.
func New(sessions *session.Manager, p TaskPlanner, exec Executor, know KnowledgeWriter, mem MemoryRecorder, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Orchestrator{
		sessions:  sessions,
		planner:   p,
		executor:  exec,
		knowledge: know,
		memory:    mem,
		admission: semaphore.NewWeighted(cfg.MaxConcurrent),
		locks:     make(map[string]*sync.Mutex),
		holding:   make(map[string]bool),
	}
}

// StartTask admits, creates, and plans a new session, then either launches
// execution (or an exploration sub-task) or parks the session in NEEDS_INFO.
// Planning and execution failures are converted into a FAILED session, not
// returned as errors.
func (o *Orchestrator) StartTask(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	if !o.admission.TryAcquire(1) {
		logging.Orchestrator("admission rejected task for user=%s", opts.UserID)
		return nil, ErrMaxConcurrentSessions
	}

	s := o.sessions.Create(opts)
	o.mu.Lock()
	o.holding[s.ID] = true
	o.mu.Unlock()

	lock := o.lockFor(s.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.plan(ctx, s.ID, opts.Task); err != nil {
		o.fail(s.ID, err)
	}
	return o.sessions.Get(s.ID)
}

// GetSession returns a snapshot of one session.
func (o *Orchestrator) GetSession(id string) (*session.Session, error) {
	return o.sessions.Get(id)
}

// ListSessions returns snapshots of every live session.
func (o *Orchestrator) ListSessions() []*session.Session {
	return o.sessions.List()
}

// CancelSession moves a session to CANCELLED and releases its admission slot.
func (o *Orchestrator) CancelSession(id string) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	tr := o.sessions.Transition(id, session.StateCancelled)
	if !tr.Success {
		return tr.Err
	}
	o.releaseAdmission(id)
	return nil
}

// BrowserEvent is one event from the execution surface.
type BrowserEvent struct {
	Kind      string // progress | complete | error | blocked
	Step      string
	Result    string
	Message   string
	Questions []session.PendingQuestion
}

// Event kinds emitted by the execution surface.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
	EventBlocked  = "blocked"
)

// UpdateFromBrowserEvent translates an execution-surface event into session
// mutations and transitions. An exploration completion persists the learned
// knowledge and then automatically re-plans the original task.
func (o *Orchestrator) UpdateFromBrowserEvent(ctx context.Context, sessionID string, ev BrowserEvent) error {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.sessions.Get(sessionID); err != nil {
		return err
	}

	switch ev.Kind {
	case EventProgress:
		if err := o.sessions.SetCurrentStep(sessionID, ev.Step); err != nil {
			return err
		}
		return o.sessions.AddTraceEntry(sessionID, session.TraceEntry{
			Category: session.TraceProgress,
			Detail:   ev.Step,
			Success:  true,
		})

	case EventComplete:
		s, err := o.sessions.Get(sessionID)
		if err != nil {
			return err
		}
		if s.CollectedInfo[markExploring] == "true" {
			return o.completeExploration(ctx, s, ev.Result)
		}
		if err := o.sessions.SetAnswer(sessionID, ev.Result); err != nil {
			return err
		}
		if tr := o.sessions.Transition(sessionID, session.StateCompleted); !tr.Success {
			return tr.Err
		}
		o.releaseAdmission(sessionID)
		go o.learnFromSession(sessionID)
		return nil

	case EventError:
		o.fail(sessionID, errors.New(ev.Message))
		return nil

	case EventBlocked:
		if err := o.sessions.SetPendingQuestions(sessionID, ev.Questions); err != nil {
			return err
		}
		if tr := o.sessions.Transition(sessionID, session.StateBlocked); !tr.Success {
			return tr.Err
		}
		return nil
	}
	return fmt.Errorf("unknown browser event kind %q", ev.Kind)
}

// SendMessage merges a follow-up message into the session. In NEEDS_INFO the
// enlarged context triggers a replan; in BLOCKED the answer resumes
// EXECUTING so the surface's eventual terminal event lands on a valid edge.
// While EXECUTING the message passes through to the executor unchanged, with
// no transition, because the execution surface owns mid-execution
// conversation.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, message string) error {
	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("session %s is %s and accepts no messages", sessionID, s.State)
	}

	info := planner.ParseContextLines(message)
	info[markLastMessage] = message
	if err := o.sessions.AddCollectedInfo(sessionID, info); err != nil {
		return err
	}

	if s.State == session.StateNeedsInfo {
		if err := o.plan(ctx, sessionID, s.Task); err != nil {
			o.fail(sessionID, err)
		}
		return nil
	}

	if s.State == session.StateBlocked {
		if tr := o.sessions.Transition(sessionID, session.StateExecuting); !tr.Success {
			return tr.Err
		}
		_ = o.sessions.SetPendingQuestions(sessionID, nil)
	}

	if o.executor == nil {
		return nil
	}
	if err := o.executor.SendMessage(ctx, sessionID, message); err != nil {
		o.fail(sessionID, err)
	}
	return nil
}

// plan runs one planning pass and branches: exploration, NEEDS_INFO, or
// READY -> EXECUTING with an executor invocation. Callers hold the session
// lock.
func (o *Orchestrator) plan(ctx context.Context, sessionID, task string) error {
	if tr := o.sessions.Transition(sessionID, session.StatePlanning); !tr.Success {
		return tr.Err
	}

	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	result, err := o.planner.Analyze(ctx, planner.Request{
		SessionID:     sessionID,
		Task:          task,
		Context:       s.Context,
		CollectedInfo: s.CollectedInfo,
	})
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	for _, step := range result.Trace {
		_ = o.sessions.AddTraceEntry(sessionID, session.TraceEntry{
			Category: step.Category,
			Detail:   step.Detail,
			Success:  step.Success,
			Error:    step.Err,
		})
	}
	if result.Domain != "" {
		_ = o.sessions.SetDomain(sessionID, result.Domain)
	}
	if result.Plan != "" {
		_ = o.sessions.SetPlan(sessionID, result.Plan)
	}
	if len(result.CollectedInfo) > 0 {
		_ = o.sessions.AddCollectedInfo(sessionID, result.CollectedInfo)
	}

	if wantsExploration(result.Exploration) && o.executor != nil && result.Domain != "" {
		return o.startExploration(ctx, sessionID, task, result)
	}

	if result.SiteKnowledge != "" {
		_ = o.sessions.SetSiteKnowledge(sessionID, result.SiteKnowledge)
	}

	if !result.ReadyToExecute && len(result.MissingInfo) > 0 {
		if err := o.sessions.SetPendingQuestions(sessionID, questionsFor(result.MissingInfo)); err != nil {
			return err
		}
		if tr := o.sessions.Transition(sessionID, session.StateNeedsInfo); !tr.Success {
			return tr.Err
		}
		logging.Orchestrator("session %s needs info: %s", sessionID, strings.Join(result.MissingInfo, ", "))
		return nil
	}

	return o.launch(ctx, sessionID, task)
}

// launch moves the session into EXECUTING and hands the task to the executor.
// Any questions left over from an earlier NEEDS_INFO pass are cleared; they
// were answered or the replan would not have reached here.
func (o *Orchestrator) launch(ctx context.Context, sessionID, task string) error {
	if tr := o.sessions.Transition(sessionID, session.StateReady); !tr.Success {
		return tr.Err
	}
	if tr := o.sessions.Transition(sessionID, session.StateExecuting); !tr.Success {
		return tr.Err
	}
	_ = o.sessions.SetPendingQuestions(sessionID, nil)
	if o.executor == nil {
		return nil
	}

	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	logging.Orchestrator("session %s executing: %s", sessionID, task)
	return o.executor.Execute(ctx, sessionID, task, s.URL, s.CollectedInfo, s.SiteKnowledge)
}

// startExploration stashes the markers, moves to EXECUTING, and sends the
// exploration prompt instead of the original task. The caller returns
// immediately afterward; the normal execution branch is not taken.
func (o *Orchestrator) startExploration(ctx context.Context, sessionID, originalTask string, result *planner.Result) error {
	_ = o.sessions.AddCollectedInfo(sessionID, map[string]string{
		markExploring:       "true",
		markExplorationType: string(result.Exploration.Type),
		markOriginalTask:    originalTask,
	})
	_ = o.sessions.AddTraceEntry(sessionID, session.TraceEntry{
		Category: session.TraceExploration,
		Detail:   fmt.Sprintf("exploring %s (%s): %s", result.Domain, result.Exploration.Type, result.Exploration.Reason),
		Success:  true,
	})

	if tr := o.sessions.Transition(sessionID, session.StateReady); !tr.Success {
		return tr.Err
	}
	if tr := o.sessions.Transition(sessionID, session.StateExecuting); !tr.Success {
		return tr.Err
	}

	prompt := explorationPrompt(result.Exploration, result.Domain, originalTask)
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	logging.Orchestrator("session %s exploring %s: %s", sessionID, result.Domain, prompt)
	return o.executor.Execute(ctx, sessionID, prompt, s.URL, s.CollectedInfo, result.SiteKnowledge)
}

func wantsExploration(exp planner.Exploration) bool {
	return exp.Type == planner.ExplorationOverview || exp.Type == planner.ExplorationWorkflow
}

// explorationPrompt builds the sub-task prompt for the execution surface.
func explorationPrompt(exp planner.Exploration, domain, originalTask string) string {
	if exp.Type == planner.ExplorationWorkflow {
		task := exp.Task
		if task == "" {
			task = originalTask
		}
		return fmt.Sprintf("Explore how to accomplish the following on %s, but do not complete it: %s", domain, task)
	}
	return fmt.Sprintf("Visit %s and describe what the site offers in 2-3 sentences.", domain)
}

// completeExploration persists the learned report, then re-plans the
// original task. Persistence happens before the replan so the fresh
// knowledge is visible to it.
func (o *Orchestrator) completeExploration(ctx context.Context, s *session.Session, report string) error {
	originalTask := s.CollectedInfo[markOriginalTask]
	if originalTask == "" {
		originalTask = s.Task
	}

	o.persistExplorationReport(s, report)

	_ = o.sessions.AddCollectedInfo(s.ID, map[string]string{markExploring: "false"})
	_ = o.sessions.AddTraceEntry(s.ID, session.TraceEntry{
		Category: session.TraceExploration,
		Detail:   "exploration complete, resuming original task",
		Success:  true,
	})

	logging.Orchestrator("session %s exploration done, replanning: %s", s.ID, originalTask)
	if err := o.plan(ctx, s.ID, originalTask); err != nil {
		o.fail(s.ID, err)
	}
	return nil
}

// persistExplorationReport writes the report into the knowledge store keyed
// by domain; workflow reports are additionally keyed by the original task in
// the section heading. Persistence failures are logged, not fatal.
func (o *Orchestrator) persistExplorationReport(s *session.Session, report string) {
	if o.knowledge == nil || s.Domain == "" || report == "" {
		return
	}

	if s.CollectedInfo[markExplorationType] == string(planner.ExplorationWorkflow) {
		task := s.CollectedInfo[markOriginalTask]
		md := fmt.Sprintf("## Workflow: %s\n\n%s", task, report)
		if err := o.knowledge.AppendKnowledge(s.Domain, md); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("persist workflow knowledge for %s: %v", s.Domain, err)
		}
		return
	}

	existing, err := o.knowledge.GetKnowledge(s.Domain)
	if err == nil && existing == "" {
		err = o.knowledge.SaveKnowledge(s.Domain, report)
	} else if err == nil {
		err = o.knowledge.AppendKnowledge(s.Domain, report)
	}
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("persist overview knowledge for %s: %v", s.Domain, err)
	}
}

// learnFromSession records a completion note to memory. Best-effort: any
// failure is logged and the session's terminal state is unaffected.
func (o *Orchestrator) learnFromSession(sessionID string) {
	if o.memory == nil || !o.memory.IsMemoryAvailable() {
		return
	}
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return
	}
	note := fmt.Sprintf("Task: %s\nDomain: %s\nOutcome: completed\nAnswer: %s", s.Task, s.Domain, s.Answer)
	if err := o.memory.Record(sessionID, note); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("learn from session %s: %v", sessionID, err)
	}
}

// fail records the error verbatim and moves the session to FAILED, releasing
// its admission slot. The reaper-style bypass is not used here; if the
// session is already terminal the transition result is ignored.
func (o *Orchestrator) fail(sessionID string, cause error) {
	logging.Get(logging.CategoryOrchestrator).Error("session %s failed: %v", sessionID, cause)
	_ = o.sessions.SetError(sessionID, cause.Error())
	if tr := o.sessions.Transition(sessionID, session.StateFailed); !tr.Success && tr.Err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("session %s: %v", sessionID, tr.Err)
	}
	o.releaseAdmission(sessionID)
}

// releaseAdmission returns the session's slot exactly once.
func (o *Orchestrator) releaseAdmission(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holding[sessionID] {
		delete(o.holding, sessionID)
		o.admission.Release(1)
	}
}

// lockFor returns the per-session mutex, creating it on first use.
func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	return lock
}

// questionsFor turns the planner's missing-info fields into pending
// questions the caller can answer via SendMessage.
func questionsFor(missing []string) []session.PendingQuestion {
	qs := make([]session.PendingQuestion, 0, len(missing))
	for _, field := range missing {
		qs = append(qs, session.PendingQuestion{
			ID:       uuid.NewString(),
			Field:    field,
			Question: fmt.Sprintf("Please provide: %s", field),
			Required: true,
		})
	}
	return qs
}
