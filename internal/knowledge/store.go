// Package knowledge persists per-domain site knowledge in sqlite.
// Content is opaque markdown from the engine's point of view; exploration
// reports and learn-from-session summaries are appended as sections.
package knowledge

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskpilot/internal/logging"
)

// SearchHit is one snippet match from SearchKnowledge.
type SearchHit struct {
	Domain  string `json:"domain"`
	Snippet string `json:"snippet"`
}

// Store wraps a sqlite database of domain-keyed knowledge documents.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (or creates) the knowledge database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS site_knowledge (
			domain TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create site_knowledge table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetKnowledge returns the stored content for a domain, or "" when absent.
func (s *Store) GetKnowledge(domain string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var content string
	err := s.db.QueryRow(
		`SELECT content FROM site_knowledge WHERE domain = ?`,
		normalizeDomain(domain),
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get knowledge for %s: %w", domain, err)
	}
	return content, nil
}

// SaveKnowledge replaces the content for a domain.
func (s *Store) SaveKnowledge(domain, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("SaveKnowledge domain=%s content_len=%d", domain, len(content))
	_, err := s.db.Exec(`
		INSERT INTO site_knowledge (domain, content) VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP
	`, normalizeDomain(domain), content)
	if err != nil {
		return fmt.Errorf("save knowledge for %s: %w", domain, err)
	}
	return nil
}

// AppendKnowledge adds a timestamped markdown section to a domain's document,
// creating the document if needed.
func (s *Store) AppendKnowledge(domain, markdown string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeDomain(domain)
	section := fmt.Sprintf("\n\n---\n_%s_\n\n%s\n", time.Now().UTC().Format(time.RFC3339), markdown)

	logging.Store("AppendKnowledge domain=%s section_len=%d", key, len(section))
	_, err := s.db.Exec(`
		INSERT INTO site_knowledge (domain, content) VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET content = content || ?, updated_at = CURRENT_TIMESTAMP
	`, key, strings.TrimLeft(section, "\n"), section)
	if err != nil {
		return fmt.Errorf("append knowledge for %s: %w", key, err)
	}
	return nil
}

// SearchKnowledge returns snippet matches for a query across all domains.
func (s *Store) SearchKnowledge(query string) ([]SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT domain, content FROM site_knowledge WHERE content LIKE ? ORDER BY domain`,
		"%"+query+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var domain, content string
		if err := rows.Scan(&domain, &content); err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Domain: domain, Snippet: snippetAround(content, query)})
	}
	return hits, rows.Err()
}

// ListKnowledgeDomains returns every domain with stored knowledge.
func (s *Store) ListKnowledgeDomains() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT domain FROM site_knowledge ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list knowledge domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// snippetAround extracts a window of content around the first query match.
func snippetAround(content, query string) string {
	const window = 120
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		if len(content) > window {
			return content[:window]
		}
		return content
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window/2
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}
