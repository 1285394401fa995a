package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"HandoverDesk/internal/domain"
)

// gRPC 服务名与方法，请求与响应都是 google.protobuf.Struct
const (
	GRPCServiceName = "handover.responder.v1.Responder"
	GRPCAskMethod   = "/" + GRPCServiceName + "/Ask"
)

// GRPCResponderConfig gRPC应答服务配置
type GRPCResponderConfig struct {
	Addr             string
	TLS              bool
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// GRPCResponder gRPC应答客户端
type GRPCResponder struct {
	conn *grpc.ClientConn
}

// NewGRPCResponder 创建gRPC应答客户端，连接是惰性建立的
func NewGRPCResponder(config *GRPCResponderConfig) (*GRPCResponder, error) {
	opts := []grpc.DialOption{}
	if config.KeepAliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAliveTime,
			Timeout:             config.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	if config.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	log.Printf("Answer gateway using gRPC responder at %s", config.Addr)
	return &GRPCResponder{conn: conn}, nil
}

// Ask 实现 Responder
func (g *GRPCResponder) Ask(ctx context.Context, r Request) (Reply, error) {
	req, err := EncodeRequest(r)
	if err != nil {
		return Reply{}, err
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GRPCAskMethod, req, resp); err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			return Reply{}, fmt.Errorf("%w: %v", domain.ErrTimedOut, err)
		}
		return Reply{}, err
	}
	return DecodeReply(resp), nil
}

// Close 关闭连接
func (g *GRPCResponder) Close() error {
	return g.conn.Close()
}

// EncodeRequest 请求转换为 Struct
func EncodeRequest(r Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"question":   r.Question,
		"session_id": string(r.SessionID),
		"user_id":    userIDValue(r.UserID),
	})
}

// maxExactID Struct 数值为 float64，超过该范围的整数按字符串传递
const maxExactID = 1 << 53

func userIDValue(u domain.UserID) interface{} {
	if n, ok := u.Numeric(); ok && n > -maxExactID && n < maxExactID {
		return float64(n)
	}
	return string(u)
}

// DecodeRequest 从 Struct 还原请求
func DecodeRequest(s *structpb.Struct) Request {
	f := s.GetFields()
	return Request{
		Question:  f["question"].GetStringValue(),
		SessionID: domain.SessionID(f["session_id"].GetStringValue()),
		UserID:    decodeUserID(f["user_id"]),
	}
}

func decodeUserID(v *structpb.Value) domain.UserID {
	if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return domain.UserID(strconv.FormatInt(int64(n.NumberValue), 10))
	}
	return domain.UserID(v.GetStringValue())
}

// EncodeReply 回复转换为 Struct
func EncodeReply(r Reply) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"answer":   structpb.NewStringValue(r.Answer),
		"escalate": structpb.NewBoolValue(r.Escalate),
	}}
}

// DecodeReply 从 Struct 还原回复
func DecodeReply(s *structpb.Struct) Reply {
	f := s.GetFields()
	return Reply{
		Answer:   f["answer"].GetStringValue(),
		Escalate: f["escalate"].GetBoolValue(),
	}
}
