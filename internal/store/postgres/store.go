package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"HandoverDesk/internal/database"
	"HandoverDesk/internal/domain"
)

// Store 基于 pgxpool 的持久化实现
type Store struct {
	pool *pgxpool.Pool
}

// Open 连接数据库并执行迁移
func Open(ctx context.Context, cfg *database.Config) (*Store, error) {
	pool, err := database.ConnectPgx(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// New 使用已有连接池
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool 暴露连接池（健康检查用）
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) SaveSession(ctx context.Context, sess domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (id, user_id, mode, owning_agent, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			owning_agent = EXCLUDED.owning_agent,
			message_count = EXCLUDED.message_count,
			updated_at = EXCLUDED.updated_at`,
		string(sess.ID), string(sess.UserID), sess.Mode.String(), string(sess.OwningAgent),
		sess.MessageCount, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (session_id, seq, id, sender, content, agent_id, notice, retryable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(msg.SessionID), int64(msg.Seq), msg.ID, string(msg.Sender), msg.Content,
		string(msg.AgentID), string(msg.Notice), msg.Retryable, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message %s/%d: %w", msg.SessionID, msg.Seq, err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT seq, id, sender, content, agent_id, notice, retryable, created_at
		FROM chat_messages WHERE session_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{string(id), int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Message, error) {
		var (
			seq       int64
			sender    string
			agentID   string
			notice    string
			createdAt time.Time
		)
		m := &domain.Message{SessionID: id}
		if err := row.Scan(&seq, &m.ID, &sender, &m.Content, &agentID, &notice, &m.Retryable, &createdAt); err != nil {
			return nil, err
		}
		m.Seq = uint64(seq)
		m.Sender = domain.Sender(sender)
		m.AgentID = domain.AgentID(agentID)
		m.Notice = domain.Notice(notice)
		m.Timestamp = createdAt
		return m, nil
	})
}

func (s *Store) LoadSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, mode, owning_agent, message_count, created_at, updated_at
		FROM chat_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Session, error) {
		var (
			id, userID, mode, owner string
			sess                    domain.Session
		)
		if err := row.Scan(&id, &userID, &mode, &owner, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return sess, err
		}
		m, err := domain.ParseMode(mode)
		if err != nil {
			return sess, err
		}
		sess.ID = domain.SessionID(id)
		sess.UserID = domain.UserID(userID)
		sess.Mode = m
		sess.OwningAgent = domain.AgentID(owner)
		return sess, nil
	})
}

func (s *Store) Purge(ctx context.Context, id domain.SessionID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, string(id)); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
