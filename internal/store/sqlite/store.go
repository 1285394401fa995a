package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"HandoverDesk/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	mode          TEXT NOT NULL,
	owning_agent  TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	id         TEXT NOT NULL,
	sender     TEXT NOT NULL,
	content    TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	notice     TEXT NOT NULL DEFAULT '',
	retryable  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// Store 基于 modernc.org/sqlite 的本地持久化
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库文件并建表
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, mode, owning_agent, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			owning_agent = excluded.owning_agent,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		string(sess.ID), string(sess.UserID), sess.Mode.String(), string(sess.OwningAgent),
		sess.MessageCount, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	retryable := 0
	if msg.Retryable {
		retryable = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, seq, id, sender, content, agent_id, notice, retryable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.SessionID), int64(msg.Seq), msg.ID, string(msg.Sender), msg.Content,
		string(msg.AgentID), string(msg.Notice), retryable, msg.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append message %s/%d: %w", msg.SessionID, msg.Seq, err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT seq, id, sender, content, agent_id, notice, retryable, created_at
		FROM chat_messages WHERE session_id = ? AND seq > ? ORDER BY seq`
	args := []any{string(id), int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var (
			seq       int64
			retryable int
			createdAt int64
			sender    string
			agentID   string
			notice    string
		)
		m := &domain.Message{SessionID: id}
		if err := rows.Scan(&seq, &m.ID, &sender, &m.Content, &agentID, &notice, &retryable, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Seq = uint64(seq)
		m.Sender = domain.Sender(sender)
		m.AgentID = domain.AgentID(agentID)
		m.Notice = domain.Notice(notice)
		m.Retryable = retryable != 0
		m.Timestamp = time.Unix(0, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LoadSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, mode, owning_agent, message_count, created_at, updated_at
		FROM chat_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var (
			id, userID, mode, owner string
			count                   int
			createdAt, updatedAt    int64
		)
		if err := rows.Scan(&id, &userID, &mode, &owner, &count, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		m, err := domain.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Session{
			ID:           domain.SessionID(id),
			UserID:       domain.UserID(userID),
			Mode:         m,
			OwningAgent:  domain.AgentID(owner),
			MessageCount: count,
			CreatedAt:    time.Unix(0, createdAt),
			UpdatedAt:    time.Unix(0, updatedAt),
		})
	}
	return out, rows.Err()
}

func (s *Store) Purge(ctx context.Context, id domain.SessionID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
