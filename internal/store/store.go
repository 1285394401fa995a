// Package store 定义会话消息日志的持久化协作者。
//
// 注册表是唯一的权威来源；存储只负责让会话在进程重启或页面刷新后可以恢复。
// 会话关闭后消息被清除，但会话记录以 CLOSED 墓碑形式保留，防止ID被复用。
package store

import (
	"context"

	"HandoverDesk/internal/domain"
)

// Store 持久化接口
type Store interface {
	// SaveSession 插入或更新会话记录
	SaveSession(ctx context.Context, sess domain.Session) error
	// AppendMessage 追加一条消息，Seq 已由注册表分配
	AppendMessage(ctx context.Context, msg *domain.Message) error
	// LoadMessages 读取 afterSeq 之后的消息，limit<=0 表示不限制
	LoadMessages(ctx context.Context, id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error)
	// LoadSessions 读取所有会话记录（含墓碑）
	LoadSessions(ctx context.Context) ([]domain.Session, error)
	// Purge 清除会话的消息日志
	Purge(ctx context.Context, id domain.SessionID) error
	Close() error
}
