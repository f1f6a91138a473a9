package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/convcore/pkg/models"
)

// SQLiteStore implements Storage against a single SQLite file, for local
// single-process runs that want durability without a CockroachDB
// cluster. Grounded on the same table layout as CockroachStore; locking
// is an in-process per-conversation sync.Mutex rather than a database
// primitive, since a SQLite deployment here is always single-process
// (SQLite has no session-scoped advisory-lock equivalent to
// pg_advisory_lock).
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore opens (creating if absent) the SQLite file at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid "database is locked"
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// Lock implements Storage.
func (s *SQLiteStore) Lock(ctx context.Context, conversationID string) (func(), error) {
	l := s.lockFor(conversationID)
	done := make(chan struct{})
	go func() { l.Lock(); close(done) }()
	select {
	case <-done:
		return l.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; l.Unlock() }()
		return nil, ctx.Err()
	}
}

// InsertMessage implements Storage.
func (s *SQLiteStore) InsertMessage(ctx context.Context, conversationID string, msg models.Message) (uint64, error) {
	var existing sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT sequence_id FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, msg.ID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("convstore: check existing message: %w", err)
	}
	if err == nil {
		return uint64(existing.Int64), nil
	}

	content, err := json.Marshal(messageContent{User: msg.User, Agent: msg.Agent, Tool: msg.Tool})
	if err != nil {
		return 0, fmt.Errorf("convstore: marshal message content: %w", err)
	}
	var usage []byte
	if msg.Usage != nil {
		usage, err = json.Marshal(msg.Usage)
		if err != nil {
			return 0, fmt.Errorf("convstore: marshal usage: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("convstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&max); err != nil {
		return 0, fmt.Errorf("convstore: max sequence id: %w", err)
	}
	seq := uint64(max.Int64) + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence_id, kind, content, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, seq, string(msg.Kind), content, nullableJSON(usage), msg.CreatedAt); err != nil {
		return 0, fmt.Errorf("convstore: insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("convstore: commit: %w", err)
	}
	return seq, nil
}

// UpsertState implements Storage.
func (s *SQLiteStore) UpsertState(ctx context.Context, conversationID string, state models.ConvState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("convstore: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET state_json = ?, updated_at = ? WHERE id = ?`, blob, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("convstore: upsert state: %w", err)
	}
	return nil
}

// LoadState implements Storage.
func (s *SQLiteStore) LoadState(ctx context.Context, conversationID string) (models.ConvState, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM conversations WHERE id = ?`, conversationID).Scan(&blob)
	if err == sql.ErrNoRows {
		return models.ConvState{}, false, nil
	}
	if err != nil {
		return models.ConvState{}, false, fmt.Errorf("convstore: load state: %w", err)
	}
	if len(blob) == 0 {
		return models.Idle(), true, nil
	}
	var state models.ConvState
	if err := json.Unmarshal(blob, &state); err != nil {
		return models.ConvState{}, false, fmt.Errorf("convstore: unmarshal state: %w", err)
	}
	return state, true, nil
}

// LoadMessages implements Storage.
func (s *SQLiteStore) LoadMessages(ctx context.Context, conversationID string, afterSeq uint64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence_id, kind, content, usage, created_at
		FROM messages WHERE conversation_id = ? AND sequence_id > ?
		ORDER BY sequence_id ASC
	`, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("convstore: load messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var (
			m       models.Message
			content []byte
			usage   []byte
			kind    string
		)
		if err := rows.Scan(&m.ID, &m.SequenceID, &kind, &content, &usage, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Kind = models.MessageKind(kind)
		var c messageContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("convstore: unmarshal message content: %w", err)
		}
		m.User, m.Agent, m.Tool = c.User, c.Agent, c.Tool
		if len(usage) > 0 {
			var u models.Usage
			if err := json.Unmarshal(usage, &u); err != nil {
				return nil, fmt.Errorf("convstore: unmarshal usage: %w", err)
			}
			m.Usage = &u
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// MaxSequenceID implements Storage.
func (s *SQLiteStore) MaxSequenceID(ctx context.Context, conversationID string) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("convstore: max sequence id: %w", err)
	}
	return uint64(max.Int64), nil
}

// GetConversation implements Storage.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var (
		conv            Conversation
		parentID, title sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, working_dir, model, title, archived, created_at, updated_at
		FROM conversations WHERE id = ?
	`, conversationID).Scan(&conv.ID, &parentID, &conv.WorkingDir, &conv.Model, &title, &conv.Archived, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("convstore: get conversation: %w", err)
	}
	conv.ParentID = parentID.String
	conv.Title = title.String
	return conv, nil
}

// MarkConversation implements Storage.
func (s *SQLiteStore) MarkConversation(ctx context.Context, conversationID string, mark Mark) error {
	var err error
	switch mark.Kind {
	case MarkRename:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, mark.Title, time.Now(), conversationID)
	case MarkArchive:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET archived = 1, updated_at = ? WHERE id = ?`, time.Now(), conversationID)
	case MarkUnarchive:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET archived = 0, updated_at = ? WHERE id = ?`, time.Now(), conversationID)
	case MarkDelete:
		_, err = s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	default:
		return fmt.Errorf("convstore: unknown mark kind %q", mark.Kind)
	}
	if err != nil {
		return fmt.Errorf("convstore: mark conversation: %w", err)
	}
	return nil
}

// CreateChild implements Storage.
func (s *SQLiteStore) CreateChild(ctx context.Context, req CreateChildRequest) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("convstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentWorkingDir, parentModel string
	err = tx.QueryRowContext(ctx, `SELECT working_dir, model FROM conversations WHERE id = ?`, req.ParentConversationID).
		Scan(&parentWorkingDir, &parentModel)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("convstore: load parent: %w", err)
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = parentWorkingDir
	}
	model := req.Model
	if model == "" {
		model = parentModel
	}

	childID := req.ID
	if childID == "" {
		childID = uuid.NewString()
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, parent_id, working_dir, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, childID, req.ParentConversationID, workingDir, model, now, now); err != nil {
		return "", fmt.Errorf("convstore: insert child conversation: %w", err)
	}

	if req.InitialMessage.ID != "" {
		content, err := json.Marshal(messageContent{User: req.InitialMessage.User})
		if err != nil {
			return "", fmt.Errorf("convstore: marshal initial message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sequence_id, kind, content, created_at)
			VALUES (?, ?, 1, ?, ?, ?)
		`, req.InitialMessage.ID, childID, string(req.InitialMessage.Kind), content, req.InitialMessage.CreatedAt); err != nil {
			return "", fmt.Errorf("convstore: insert initial message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("convstore: commit: %w", err)
	}
	return childID, nil
}
