// Package browser is a reference execution surface. It listens for execute
// commands on a transport channel, drives a real browser far enough to read
// the target page, and reports progress/completion events back. Production
// deployments replace it with a full automation agent; it exists so the
// engine can run end-to-end against real sites.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"taskpilot/internal/logging"
	"taskpilot/internal/transport"
)

// Config holds browser configuration.
type Config struct {
	// DebuggerURL attaches to an existing Chrome instead of launching one.
	DebuggerURL string `yaml:"debugger_url"`

	Headless            bool `yaml:"headless"`
	NavigationTimeoutMs int  `yaml:"navigation_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		NavigationTimeoutMs: 30000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Surface drives the browser for one engine over a channel.
type Surface struct {
	cfg Config
	ch  transport.Channel

	mu      sync.Mutex
	browser *rod.Browser
	pages   map[string]*rod.Page
}

// NewSurface creates a surface bound to a channel. Call Start to begin
// handling commands.
func NewSurface(cfg Config, ch transport.Channel) *Surface {
	return &Surface{
		cfg:   cfg,
		ch:    ch,
		pages: make(map[string]*rod.Page),
	}
}

// Start subscribes to execute/message commands and connects the channel.
func (s *Surface) Start(ctx context.Context) error {
	s.ch.OnMessage(func(msg transport.Message) {
		sessionID, _ := msg["sessionId"].(string)
		if sessionID == "" {
			return
		}
		switch msg.Type() {
		case "execute":
			task, _ := msg["task"].(string)
			url, _ := msg["url"].(string)
			go s.run(ctx, sessionID, task, url)
		case "message":
			text, _ := msg["message"].(string)
			logging.Transport("surface session %s follow-up: %s", sessionID, text)
			s.emit(transport.Message{
				"type": "progress", "sessionId": sessionID,
				"step": fmt.Sprintf("noted follow-up: %s", text),
			})
		}
	})
	return s.ch.Connect(ctx)
}

// Shutdown closes every page and the browser.
func (s *Surface) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, page := range s.pages {
		_ = page.Close()
		delete(s.pages, id)
	}
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
}

// run performs one task: navigate, read the page, report what it says.
// Exactly one terminal event (complete or error) is emitted.
func (s *Surface) run(ctx context.Context, sessionID, task, url string) {
	if url == "" {
		url = urlFromTask(task)
	}
	if url == "" {
		s.emitError(sessionID, "no url or recognizable domain in task")
		return
	}

	s.progress(sessionID, fmt.Sprintf("opening %s", url))
	if err := s.ensureStarted(ctx); err != nil {
		s.emitError(sessionID, fmt.Sprintf("start browser: %v", err))
		return
	}

	page, err := s.pageFor(sessionID)
	if err != nil {
		s.emitError(sessionID, fmt.Sprintf("open page: %v", err))
		return
	}

	if err := page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).Navigate(url); err != nil {
		s.emitError(sessionID, fmt.Sprintf("navigate %s: %v", url, err))
		return
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		s.emitError(sessionID, fmt.Sprintf("load %s: %v", url, err))
		return
	}

	s.progress(sessionID, "reading page")
	info, err := page.Context(ctx).Info()
	if err != nil {
		s.emitError(sessionID, fmt.Sprintf("page info: %v", err))
		return
	}

	body, err := page.Context(ctx).Element("body")
	if err != nil {
		s.emitError(sessionID, fmt.Sprintf("page body: %v", err))
		return
	}
	text, err := body.Text()
	if err != nil {
		s.emitError(sessionID, fmt.Sprintf("page text: %v", err))
		return
	}

	s.emit(transport.Message{
		"type":      "complete",
		"sessionId": sessionID,
		"result":    summarize(info.Title, text),
	})
}

// ensureStarted launches or attaches to Chrome on first use.
func (s *Surface) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return nil
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		u, err := launcher.New().Headless(s.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = browser
	return nil
}

// pageFor reuses the session's page so follow-ups land in the same tab.
func (s *Surface) pageFor(sessionID string) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page, ok := s.pages[sessionID]; ok {
		return page, nil
	}
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, err
	}
	s.pages[sessionID] = page
	return page, nil
}

func (s *Surface) progress(sessionID, step string) {
	s.emit(transport.Message{"type": "progress", "sessionId": sessionID, "step": step})
}

func (s *Surface) emitError(sessionID, message string) {
	s.emit(transport.Message{"type": "error", "sessionId": sessionID, "message": message})
}

func (s *Surface) emit(msg transport.Message) {
	if err := s.ch.Send(msg); err != nil {
		logging.Get(logging.CategoryTransport).Warn("surface event dropped: %v", err)
	}
}

// urlFromTask pulls a bare domain or URL out of the task text.
func urlFromTask(task string) string {
	for _, word := range strings.Fields(task) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if strings.HasPrefix(word, "http://") || strings.HasPrefix(word, "https://") {
			return word
		}
		if strings.Count(word, ".") >= 1 && !strings.ContainsAny(word, "@/") &&
			len(word) > 3 && strings.LastIndex(word, ".") < len(word)-2 {
			return "https://" + word
		}
	}
	return ""
}

// summarize produces a short report from the page title and visible text.
func summarize(title, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 600 {
		text = text[:600] + "..."
	}
	if title == "" {
		return text
	}
	return fmt.Sprintf("%s - %s", title, text)
}
