package orchestrator

import (
	"context"
	"fmt"

	"taskpilot/internal/logging"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// ChannelExecutor drives the execution surface over a transport channel.
// Commands go out as typed JSON messages; events come back through
// BindEvents.
type ChannelExecutor struct {
	ch transport.Channel
}

// NewChannelExecutor wraps a channel as an Executor.
func NewChannelExecutor(ch transport.Channel) *ChannelExecutor {
	return &ChannelExecutor{ch: ch}
}

// Execute sends the task command to the execution surface.
func (e *ChannelExecutor) Execute(ctx context.Context, sessionID, task, url string, contextInfo map[string]string, siteKnowledge string) error {
	msg := transport.Message{
		"type":      "execute",
		"sessionId": sessionID,
		"task":      task,
	}
	if url != "" {
		msg["url"] = url
	}
	if len(contextInfo) > 0 {
		msg["context"] = contextInfo
	}
	if siteKnowledge != "" {
		msg["siteKnowledge"] = siteKnowledge
	}
	if err := e.ch.Send(msg); err != nil {
		return fmt.Errorf("send execute command: %w", err)
	}
	return nil
}

// SendMessage forwards a mid-execution follow-up verbatim.
func (e *ChannelExecutor) SendMessage(ctx context.Context, sessionID, message string) error {
	err := e.ch.Send(transport.Message{
		"type":      "message",
		"sessionId": sessionID,
		"message":   message,
	})
	if err != nil {
		return fmt.Errorf("send follow-up message: %w", err)
	}
	return nil
}

// BindEvents subscribes the orchestrator to execution-surface events on the
// channel. Messages without a session id, and unknown types, are ignored.
func BindEvents(ch transport.Channel, o *Orchestrator) {
	ch.OnMessage(func(msg transport.Message) {
		sessionID, _ := msg["sessionId"].(string)
		if sessionID == "" {
			return
		}

		var ev BrowserEvent
		switch msg.Type() {
		case EventProgress:
			ev = BrowserEvent{Kind: EventProgress, Step: stringField(msg, "step")}
		case EventComplete:
			ev = BrowserEvent{Kind: EventComplete, Result: stringField(msg, "result")}
		case EventError:
			ev = BrowserEvent{Kind: EventError, Message: stringField(msg, "message")}
		case EventBlocked:
			ev = BrowserEvent{Kind: EventBlocked, Questions: questionsField(msg)}
		default:
			return
		}

		if err := o.UpdateFromBrowserEvent(context.Background(), sessionID, ev); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("event %s for session %s: %v", msg.Type(), sessionID, err)
		}
	})
}

func stringField(msg transport.Message, key string) string {
	v, _ := msg[key].(string)
	return v
}

// questionsField decodes the blocked event's question list.
func questionsField(msg transport.Message) []session.PendingQuestion {
	raw, _ := msg["questions"].([]interface{})
	qs := make([]session.PendingQuestion, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q := session.PendingQuestion{Required: true}
		q.ID, _ = obj["id"].(string)
		q.Field, _ = obj["field"].(string)
		q.Question, _ = obj["question"].(string)
		if req, ok := obj["required"].(bool); ok {
			q.Required = req
		}
		qs = append(qs, q)
	}
	return qs
}
