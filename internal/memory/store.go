// Package memory provides scored recall of past session observations.
package memory

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"taskpilot/internal/logging"
)

// Hit is one scored recall result.
type Hit struct {
	Memory string  `json:"memory"`
	Score  float64 `json:"score"`
}

// Store wraps a sqlite database of free-text memories keyed by session.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (or creates) the memory database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			memory TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memories table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`)

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsMemoryAvailable reports whether recall is usable.
func (s *Store) IsMemoryAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Ping() == nil
}

// Record stores one memory line for a session.
func (s *Store) Record(sessionID, memory string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Record memory session=%s len=%d", sessionID, len(memory))
	_, err := s.db.Exec(`INSERT INTO memories (session_id, memory) VALUES (?, ?)`, sessionID, memory)
	if err != nil {
		return fmt.Errorf("record memory: %w", err)
	}
	return nil
}

// SearchMemory returns up to limit memories scored by token overlap with the
// query. Memories from the given session score slightly higher.
func (s *Store) SearchMemory(sessionID, query string, limit int) ([]Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.Query(`SELECT session_id, memory FROM memories ORDER BY created_at DESC LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	queryTokens := tokenize(query)
	var hits []Hit
	for rows.Next() {
		var sid, mem string
		if err := rows.Scan(&sid, &mem); err != nil {
			return nil, err
		}
		score := overlapScore(queryTokens, tokenize(mem))
		if score <= 0 {
			continue
		}
		if sid == sessionID {
			score += 0.1
		}
		hits = append(hits, Hit{Memory: mem, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(text)) {
		t = strings.Trim(t, ".,:;!?\"'()[]")
		if len(t) > 2 {
			tokens[t] = true
		}
	}
	return tokens
}

func overlapScore(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for t := range query {
		if candidate[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
