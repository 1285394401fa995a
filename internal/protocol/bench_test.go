package protocol

import (
	"testing"
	"time"
)

// BenchmarkEncode 基准测试信封编码性能
func BenchmarkEncode(b *testing.B) {
	env := &Envelope{
		Type:       TypeAgentMessage,
		Seq:        42,
		SessionID:  "4b0f3c2e-7d4a-4e55-9f0a-1c2d3e4f5a6b",
		AgentID:    "A1",
		Message:    "This is a test message body for envelope encoding benchmark",
		MessageSeq: 7,
		Timestamp:  time.Now(),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(env); err != nil {
			b.Fatalf("Encode failed: %v", err)
		}
	}
}

// BenchmarkDecodeInbound 基准测试入站命令解码性能
func BenchmarkDecodeInbound(b *testing.B) {
	raw := []byte(`{"type":"reply","sess_id":"4b0f3c2e-7d4a-4e55-9f0a-1c2d3e4f5a6b","message":"This is a test reply for decoding benchmark"}`)

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeInbound(RoleAgent, raw); err != nil {
			b.Fatalf("Decode failed: %v", err)
		}
	}
}
