// Package responder 是本地可运行的AI应答服务，同时提供 gRPC 与 HTTP 两种接入方式。
package responder

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
)

// Server 应答服务实现
type Server struct {
	answerer gateway.Responder
	delay    time.Duration

	// 统计信息
	requestCount atomic.Int64
	startTime    time.Time
}

// Option 服务选项
type Option func(*Server)

// WithDelay 模拟应答耗时（用于超时测试）
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// NewServer 创建应答服务，answerer 为空时使用内置知识库
func NewServer(answerer gateway.Responder, opts ...Option) *Server {
	if answerer == nil {
		answerer = gateway.NewStaticResponder(nil, "")
	}
	s := &Server{answerer: answerer, startTime: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask 回答一个问题
func (s *Server) Ask(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
	s.requestCount.Add(1)

	if strings.TrimSpace(req.Question) == "" {
		return gateway.Reply{}, status.Error(codes.InvalidArgument, "question is required")
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return gateway.Reply{}, status.FromContextError(ctx.Err()).Err()
		}
	}

	return s.answerer.Ask(ctx, req)
}

// RequestCount 已处理的请求数
func (s *Server) RequestCount() int64 {
	return s.requestCount.Load()
}

// ServiceDesc Responder 服务描述，消息类型为 google.protobuf.Struct
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: gateway.GRPCServiceName,
	HandlerType: (*gateway.Responder)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ask",
			Handler:    askHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handover/responder/v1/responder.proto",
}

func askHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		reply, err := srv.(gateway.Responder).Ask(ctx, gateway.DecodeRequest(req.(*structpb.Struct)))
		if err != nil {
			return nil, err
		}
		return gateway.EncodeReply(reply), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: gateway.GRPCAskMethod,
	}
	return interceptor(ctx, in, info, handler)
}

// Register 注册到 gRPC 服务器
func Register(registrar grpc.ServiceRegistrar, s *Server) {
	registrar.RegisterService(&ServiceDesc, s)
}

// NewGRPCServer 创建已注册服务并启用反射的 gRPC 服务器
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	Register(gs, s)
	reflection.Register(gs)
	return gs
}

// ServeGRPC 在监听器上提供 gRPC 服务，直到监听器关闭
func ServeGRPC(lis net.Listener, s *Server) (*grpc.Server, <-chan error) {
	gs := NewGRPCServer(s)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Responder gRPC server listening on %s", lis.Addr())
		errCh <- gs.Serve(lis)
	}()
	return gs, errCh
}

type qaRequest struct {
	Question  string        `json:"question"`
	UserID    domain.UserID `json:"user_id"`
	SessionID string        `json:"session_id"`
}

// ServeHTTP 处理 POST /api/v1/qa
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req qaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	reply, err := s.Ask(r.Context(), gateway.Request{
		Question:  req.Question,
		SessionID: domain.SessionID(req.SessionID),
		UserID:    req.UserID,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if status.Code(err) == codes.InvalidArgument {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// HTTPHandler 应答服务的 HTTP 路由
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/qa", s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"requests":       s.requestCount.Load(),
			"uptime_seconds": time.Since(s.startTime).Seconds(),
		})
	})
	return mux
}
