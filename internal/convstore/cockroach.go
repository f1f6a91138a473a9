package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/convcore/pkg/models"
)

// CockroachConfig configures a CockroachStore connection, grounded on
// the donor's sessions.CockroachConfig field set.
type CockroachConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns sane pool defaults.
func DefaultCockroachConfig(dsn string) CockroachConfig {
	return CockroachConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Storage against CockroachDB (Postgres wire
// protocol) via database/sql + lib/pq, grounded on
// internal/sessions/cockroach.go's connection-pool setup and
// internal/sessions/locker.go's DB-backed locking strategy, simplified
// from that file's lease-renewal locker to CockroachDB's own
// session-scoped advisory lock primitive (pg_advisory_lock), since
// spec.md §5 only asks for a lock held for the duration of one
// transition's effects, not a renewable long-lived lease.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore opens a pooled connection and verifies it.
func NewCockroachStore(ctx context.Context, cfg CockroachConfig) (*CockroachStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("convstore: open cockroach: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convstore: ping cockroach: %w", err)
	}
	return &CockroachStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *CockroachStore) Close() error { return s.db.Close() }

// advisoryKey folds a conversation id into the int64 key
// pg_advisory_lock requires.
func advisoryKey(conversationID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(conversationID))
	return int64(h.Sum64())
}

// Lock implements Storage using a session-level advisory lock held on a
// dedicated connection for the lifetime of the unlock callback.
func (s *CockroachStore) Lock(ctx context.Context, conversationID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("convstore: acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryKey(conversationID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("convstore: acquire advisory lock: %w", err)
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryKey(conversationID))
		conn.Close()
	}, nil
}

// InsertMessage implements Storage. Idempotency comes from a unique
// index on (conversation_id, id): ON CONFLICT DO NOTHING plus a
// follow-up read recovers the original sequence id when the insert was
// a duplicate.
func (s *CockroachStore) InsertMessage(ctx context.Context, conversationID string, msg models.Message) (uint64, error) {
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

	var seq uint64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence_id, kind, content, usage, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(sequence_id), 0) + 1 FROM messages WHERE conversation_id = $2), $3, $4, $5, $6)
		ON CONFLICT (conversation_id, id) DO UPDATE SET id = EXCLUDED.id
		RETURNING sequence_id
	`, msg.ID, conversationID, string(msg.Kind), content, nullableJSON(usage), msg.CreatedAt).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("convstore: insert message: %w", err)
	}
	return seq, nil
}

// messageContent is the JSON envelope stored in the messages.content
// column: exactly one of its fields is populated, mirroring
// models.Message's own tagged union.
type messageContent struct {
	User  *models.UserContent  `json:"user,omitempty"`
	Agent *models.AgentContent `json:"agent,omitempty"`
	Tool  *models.ToolContent  `json:"tool,omitempty"`
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// UpsertState implements Storage.
func (s *CockroachStore) UpsertState(ctx context.Context, conversationID string, state models.ConvState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("convstore: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET state_json = $1, updated_at = now() WHERE id = $2
	`, blob, conversationID)
	if err != nil {
		return fmt.Errorf("convstore: upsert state: %w", err)
	}
	return nil
}

// LoadState implements Storage.
func (s *CockroachStore) LoadState(ctx context.Context, conversationID string) (models.ConvState, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM conversations WHERE id = $1`, conversationID).Scan(&blob)
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
func (s *CockroachStore) LoadMessages(ctx context.Context, conversationID string, afterSeq uint64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence_id, kind, content, usage, created_at
		FROM messages WHERE conversation_id = $1 AND sequence_id > $2
		ORDER BY sequence_id ASC
	`, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("convstore: load messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var (
			m          models.Message
			content    []byte
			usage      []byte
			kind       string
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
func (s *CockroachStore) MaxSequenceID(ctx context.Context, conversationID string) (uint64, error) {
	var max uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_id), 0) FROM messages WHERE conversation_id = $1
	`, conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("convstore: max sequence id: %w", err)
	}
	return max, nil
}

// GetConversation implements Storage.
func (s *CockroachStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var (
		conv                Conversation
		parentID, title     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, working_dir, model, title, archived, created_at, updated_at
		FROM conversations WHERE id = $1
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
func (s *CockroachStore) MarkConversation(ctx context.Context, conversationID string, mark Mark) error {
	var err error
	switch mark.Kind {
	case MarkRename:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2`, mark.Title, conversationID)
	case MarkArchive:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET archived = true, updated_at = now() WHERE id = $1`, conversationID)
	case MarkUnarchive:
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET archived = false, updated_at = now() WHERE id = $1`, conversationID)
	case MarkDelete:
		_, err = s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	default:
		return fmt.Errorf("convstore: unknown mark kind %q", mark.Kind)
	}
	if err != nil {
		return fmt.Errorf("convstore: mark conversation: %w", err)
	}
	return nil
}

// CreateChild implements Storage, inserting the child row and its
// initial message inside one transaction.
func (s *CockroachStore) CreateChild(ctx context.Context, req CreateChildRequest) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("convstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentWorkingDir, parentModel string
	err = tx.QueryRowContext(ctx, `SELECT working_dir, model FROM conversations WHERE id = $1`, req.ParentConversationID).
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, parent_id, working_dir, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, childID, req.ParentConversationID, workingDir, model); err != nil {
		return "", fmt.Errorf("convstore: insert child conversation: %w", err)
	}

	if req.InitialMessage.ID != "" {
		content, err := json.Marshal(messageContent{User: req.InitialMessage.User})
		if err != nil {
			return "", fmt.Errorf("convstore: marshal initial message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sequence_id, kind, content, created_at)
			VALUES ($1, $2, 1, $3, $4, $5)
		`, req.InitialMessage.ID, childID, string(req.InitialMessage.Kind), content, req.InitialMessage.CreatedAt); err != nil {
			return "", fmt.Errorf("convstore: insert initial message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("convstore: commit: %w", err)
	}
	return childID, nil
}
