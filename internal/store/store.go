package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/majordomo/internal/agent"
	"github.com/rahul/majordomo/internal/memory"
	"github.com/rahul/majordomo/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

// Store is the sqlite persistence layer: conversation history, rolling
// summaries, preference snapshots, run checkpoints and session tokens.
type Store struct {
	DB *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT,
			role TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			summary TEXT DEFAULT '',
			preferences TEXT DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			thread_id TEXT PRIMARY KEY,
			access_token TEXT,
			scope TEXT
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// ------------------------------------------------------------
// Conversation history
// ------------------------------------------------------------

func (s *Store) AddMessage(threadID, role, content string) error {
	_, err := s.DB.Exec(`INSERT INTO messages (thread_id, role, content) VALUES (?, ?, ?)`,
		threadID, role, content)
	return err
}

// GetHistory returns the thread's active messages in chronological order.
// A limit of 0 returns everything.
func (s *Store) GetHistory(threadID string, limit int) ([]llms.MessageContent, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.DB.Query(
			`SELECT role, content FROM (
				SELECT id, role, content FROM messages WHERE thread_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, threadID, limit)
	} else {
		rows, err = s.DB.Query(`SELECT role, content FROM messages WHERE thread_id = ? ORDER BY id ASC`, threadID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		var msgRole llms.ChatMessageType
		switch role {
		case "human":
			msgRole = llms.ChatMessageTypeHuman
		case "ai":
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(content)},
		})
	}
	return history, rows.Err()
}

func (s *Store) CountMessages(threadID string) (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// TrimMessages deletes all but the newest keep messages of a thread.
func (s *Store) TrimMessages(threadID string, keep int) error {
	_, err := s.DB.Exec(
		`DELETE FROM messages WHERE thread_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE thread_id = ? ORDER BY id DESC LIMIT ?
		)`, threadID, threadID, keep)
	return err
}

// ------------------------------------------------------------
// Summary and preferences
// ------------------------------------------------------------

func (s *Store) GetSummary(threadID string) (string, error) {
	var summary string
	err := s.DB.QueryRow(`SELECT summary FROM threads WHERE thread_id = ?`, threadID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return summary, err
}

func (s *Store) SaveSummary(threadID, summary string) error {
	_, err := s.DB.Exec(
		`INSERT INTO threads (thread_id, summary) VALUES (?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET summary = excluded.summary`,
		threadID, summary)
	return err
}

func (s *Store) GetPreferences(threadID string) (memory.UserPreferences, error) {
	var raw string
	err := s.DB.QueryRow(`SELECT preferences FROM threads WHERE thread_id = ?`, threadID).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && raw == "") {
		return memory.UserPreferences{}, nil
	}
	if err != nil {
		return memory.UserPreferences{}, err
	}

	var prefs memory.UserPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return memory.UserPreferences{}, fmt.Errorf("corrupt preferences for thread %s: %w", threadID, err)
	}
	return prefs, nil
}

func (s *Store) SavePreferences(threadID string, prefs memory.UserPreferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(
		`INSERT INTO threads (thread_id, preferences) VALUES (?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET preferences = excluded.preferences`,
		threadID, string(data))
	return err
}

// DailySummaryThreads returns the preference snapshots of every thread that
// opted into the daily summary.
func (s *Store) DailySummaryThreads() (map[string]memory.UserPreferences, error) {
	rows, err := s.DB.Query(`SELECT thread_id, preferences FROM threads WHERE preferences != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make(map[string]memory.UserPreferences)
	for rows.Next() {
		var threadID, raw string
		if err := rows.Scan(&threadID, &raw); err != nil {
			return nil, err
		}
		var prefs memory.UserPreferences
		if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
			continue
		}
		if prefs.DailySummaryNotification {
			subs[threadID] = prefs
		}
	}
	return subs, rows.Err()
}

// ------------------------------------------------------------
// Checkpoints
// ------------------------------------------------------------

func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, data []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		threadID, string(data))
	return err
}

func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	var state string
	err := s.DB.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", threadID, agent.ErrNoCheckpoint)
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

// ------------------------------------------------------------
// Credentials
// ------------------------------------------------------------

// GrantedScopes returns the space-delimited OAuth scope string stored for a
// user. Token acquisition and refresh happen outside this process.
func (s *Store) GrantedScopes(ctx context.Context, threadID string) (string, error) {
	var scope string
	err := s.DB.QueryRowContext(ctx,
		`SELECT scope FROM tokens WHERE thread_id = ?`, threadID).Scan(&scope)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return scope, err
}

// SaveToken stores a user's access token and scope grant.
func (s *Store) SaveToken(threadID, accessToken, scope string) error {
	_, err := s.DB.Exec(
		`INSERT INTO tokens (thread_id, access_token, scope) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET access_token = excluded.access_token, scope = excluded.scope`,
		threadID, accessToken, scope)
	return err
}

// TokenFor returns a per-thread token source for tool calls.
func (s *Store) TokenFor(threadID string) tools.TokenSource {
	return &userTokenSource{store: s, threadID: threadID}
}

type userTokenSource struct {
	store    *Store
	threadID string
}

func (u *userTokenSource) AccessToken(ctx context.Context) (string, error) {
	var token string
	err := u.store.DB.QueryRowContext(ctx,
		`SELECT access_token FROM tokens WHERE thread_id = ?`, u.threadID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no access token for thread %s", u.threadID)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
