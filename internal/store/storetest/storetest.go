// Package storetest 提供所有存储实现共用的一致性测试。
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/store"
)

// Run 对 newStore 返回的实例运行一致性测试，每个子测试使用新的实例
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SessionUpsert", func(t *testing.T) { testSessionUpsert(t, newStore(t)) })
	t.Run("MessagePaging", func(t *testing.T) { testMessagePaging(t, newStore(t)) })
	t.Run("PurgeKeepsTombstone", func(t *testing.T) { testPurgeKeepsTombstone(t, newStore(t)) })
}

func session(id string, mode domain.Mode, at time.Time) domain.Session {
	return domain.Session{
		ID:        domain.SessionID(id),
		UserID:    domain.UserID("u-" + id),
		Mode:      mode,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testSessionUpsert(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, st.SaveSession(ctx, session("s-1", domain.ModeBot, now)))
	require.NoError(t, st.SaveSession(ctx, session("s-2", domain.ModeBot, now.Add(time.Second))))

	updated := session("s-1", domain.ModeHuman, now)
	updated.OwningAgent = "A1"
	updated.MessageCount = 4
	updated.UpdatedAt = now.Add(2 * time.Second)
	require.NoError(t, st.SaveSession(ctx, updated))

	sessions, err := st.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[domain.SessionID]domain.Session)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	got := byID["s-1"]
	assert.Equal(t, domain.ModeHuman, got.Mode)
	assert.Equal(t, domain.AgentID("A1"), got.OwningAgent)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, domain.UserID("u-s-1"), got.UserID)
	assert.WithinDuration(t, now.Add(2*time.Second), got.UpdatedAt, time.Millisecond)
}

func testMessagePaging(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.SaveSession(ctx, session("s-1", domain.ModeBot, now)))

	for i := 1; i <= 5; i++ {
		msg := domain.NewMessage("s-1", domain.SenderUser, fmt.Sprintf("m%d", i), now)
		msg.Seq = uint64(i)
		if i == 3 {
			msg.Sender = domain.SenderSystem
			msg.Notice = domain.NoticeAgentJoined
			msg.AgentID = "A1"
		}
		if i == 4 {
			msg.Sender = domain.SenderBot
			msg.Retryable = true
		}
		require.NoError(t, st.AppendMessage(ctx, msg))
	}
	other := domain.NewMessage("s-2", domain.SenderUser, "other", now)
	other.Seq = 1
	require.NoError(t, st.AppendMessage(ctx, other))

	all, err := st.LoadMessages(ctx, "s-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
	assert.Equal(t, domain.NoticeAgentJoined, all[2].Notice)
	assert.Equal(t, domain.AgentID("A1"), all[2].AgentID)
	assert.True(t, all[3].Retryable)

	page, err := st.LoadMessages(ctx, "s-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Content)
	assert.Equal(t, "m4", page[1].Content)

	none, err := st.LoadMessages(ctx, "missing", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPurgeKeepsTombstone(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.SaveSession(ctx, session("s-1", domain.ModeBot, now)))
	msg := domain.NewMessage("s-1", domain.SenderBot, "welcome", now)
	msg.Seq = 1
	require.NoError(t, st.AppendMessage(ctx, msg))

	require.NoError(t, st.Purge(ctx, "s-1"))
	require.NoError(t, st.SaveSession(ctx, session("s-1", domain.ModeClosed, now)))

	msgs, err := st.LoadMessages(ctx, "s-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sessions, err := st.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.ModeClosed, sessions[0].Mode)
}
