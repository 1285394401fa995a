package testutil

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/require"
)

// LossyProxy 位于客户端与聊天服务器之间的 TCP 中继。
// Blackhole 之后服务端发往客户端的字节被静默丢弃，不关闭任何连接，
// 服务端的写入照常成功，用来模拟移动网络断开后的半开连接。
type LossyProxy struct {
	ln     net.Listener
	target string
	drop   atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

// NewLossyProxy 在本地随机端口启动中继，测试结束时自动关闭
func (ts *TestServer) NewLossyProxy() *LossyProxy {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(ts.t, err, "Failed to start proxy")

	p := &LossyProxy{ln: ln, target: ts.Chat.Addr()}
	go p.acceptLoop()
	ts.t.Cleanup(p.Close)
	return p
}

// URL 中继的 WebSocket 地址前缀
func (p *LossyProxy) URL() string {
	return "ws://" + p.ln.Addr().String()
}

// Blackhole 开始丢弃服务端发往客户端的数据
func (p *LossyProxy) Blackhole() {
	p.drop.Store(true)
}

// Close 关闭监听与全部中继连接
func (p *LossyProxy) Close() {
	p.ln.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func (p *LossyProxy) acceptLoop() {
	for {
		client, err := p.ln.Accept()
		if err != nil {
			return
		}
		upstream, err := net.Dial("tcp", p.target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, upstream)
		p.mu.Unlock()

		go io.Copy(upstream, client)
		go p.pipeDown(client, upstream)
	}
}

// pipeDown 服务端到客户端方向，丢弃模式下只读不写
func (p *LossyProxy) pipeDown(client, upstream net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 && !p.drop.Load() {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
