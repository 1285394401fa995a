package coordinator

import (
	"context"
	"fmt"
	"testing"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/registry"
	"HandoverDesk/internal/store/memory"
)

func newBenchCoordinator(b *testing.B) *Coordinator {
	reg := registry.New(memory.New(), registry.Config{})
	c := New(reg, gateway.New(gateway.NewStaticResponder(nil, ""), gateway.DefaultPolicy()), outbox.NewHub(0), Config{}, nil)
	b.Cleanup(c.Close)
	return c
}

// BenchmarkAskRoundtrip 一次同步问答（追加用户消息、调用应答、追加回复）
func BenchmarkAskRoundtrip(b *testing.B) {
	c := newBenchCoordinator(b)
	ctx := context.Background()
	sess, err := c.CreateSession(ctx, "bench")
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Ask(ctx, sess.ID, "what is your pricing?"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEscalateAndTakeover 完整的升级与接管流程
func BenchmarkEscalateAndTakeover(b *testing.B) {
	c := newBenchCoordinator(b)
	ctx := context.Background()
	c.ConnectAgent("A1")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := domain.SessionID(fmt.Sprintf("s-%d", i))
		if _, _, err := c.ConnectUser(ctx, id, ""); err != nil {
			b.Fatal(err)
		}
		if _, err := c.RequestHuman(ctx, id); err != nil {
			b.Fatal(err)
		}
		if _, err := c.Takeover(ctx, "A1", id); err != nil {
			b.Fatal(err)
		}
		if _, err := c.CloseSession(ctx, id, domain.AgentActor("A1")); err != nil {
			b.Fatal(err)
		}
		c.ReleaseUser(id)
	}
}
