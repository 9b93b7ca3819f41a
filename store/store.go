// Package store persists finalized utterances and their translations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"hearsay/translate"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func Open(ctx context.Context, databaseURL string, logger *log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS utterances (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			text         TEXT NOT NULL,
			lang         TEXT NOT NULL DEFAULT '',
			translations JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS utterances_session_idx
			ON utterances (session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordUtterance stores one finalized utterance. When the provider never
// resolved a language the stored lang falls back to a word-list guess;
// the guess is advisory only and never overrides a provider language.
func (s *Store) RecordUtterance(ctx context.Context, sessionID string, ex translate.Exchange) error {
	lang := ex.Lang
	if lang == "" {
		lang = GuessLang(ex.Text)
	}
	translations, err := json.Marshal(ex.Translations)
	if err != nil {
		return fmt.Errorf("failed to marshal translations: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO utterances (id, session_id, text, lang, translations)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), sessionID, ex.Text, lang, translations)
	if err != nil {
		return fmt.Errorf("failed to insert utterance: %w", err)
	}
	return nil
}

// SessionHistory returns the stored utterances for a session, oldest first.
func (s *Store) SessionHistory(ctx context.Context, sessionID string, limit int) ([]translate.Exchange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT text, lang, translations
		FROM utterances
		WHERE session_id = $1
		ORDER BY created_at
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query utterances: %w", err)
	}
	defer rows.Close()

	var out []translate.Exchange
	for rows.Next() {
		var ex translate.Exchange
		var raw []byte
		if err := rows.Scan(&ex.Text, &ex.Lang, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan utterance: %w", err)
		}
		if err := json.Unmarshal(raw, &ex.Translations); err != nil {
			return nil, fmt.Errorf("failed to parse translations: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

var langMarkers = map[string][]string{
	"en": {"the", "and", "you", "that", "have", "this", "what", "with"},
	"de": {"der", "die", "das", "und", "ich", "nicht", "ist", "ein"},
	"es": {"que", "los", "las", "una", "por", "para", "está", "pero"},
	"fr": {"les", "est", "une", "que", "pas", "vous", "dans", "avec"},
}

// GuessLang is a crude word-list heuristic over the marker tables above.
// Best-effort: returns "" when nothing matches.
func GuessLang(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return ""
	}

	best, bestHits := "", 0
	for lang, markers := range langMarkers {
		hits := 0
		for _, w := range words {
			w = strings.Trim(w, ".,!?;:\"'")
			for _, m := range markers {
				if w == m {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	return best
}
