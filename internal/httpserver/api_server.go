// Package httpserver 提供 REST 兜底接口：会话创建、同步问答与坐席操作。
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"HandoverDesk/internal/auth"
	"HandoverDesk/internal/coordinator"
	"HandoverDesk/internal/domain"
)

// HealthFunc 附加的健康检查信息（例如数据库连接池）
type HealthFunc func(ctx context.Context) map[string]interface{}

// Options 服务器选项
type Options struct {
	Addr           string
	AllowedOrigins []string
	Auth           auth.Authenticator
	Health         HealthFunc
	// 附加统计信息（例如 WebSocket 服务器）
	Stats func() map[string]interface{}
}

// APIServer HTTP API服务器
type APIServer struct {
	router *mux.Router
	server *http.Server
	coord  *coordinator.Coordinator
	opts   Options

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// QARequest 同步问答请求。user_id 接受整数或字符串
type QARequest struct {
	Question  string        `json:"question"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    domain.UserID `json:"user_id,omitempty"`
}

// QAResponse 同步问答结果
type QAResponse struct {
	SessionID string          `json:"session_id"`
	Mode      domain.Mode     `json:"mode"`
	Answer    string          `json:"answer,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Escalated bool            `json:"escalated,omitempty"`
	Discarded bool            `json:"discarded,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
}

// NewAPIServer 创建新的HTTP API服务器
func NewAPIServer(coord *coordinator.Coordinator, opts Options) *APIServer {
	if opts.Auth == nil {
		opts.Auth = auth.AllowAll{}
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	server := &APIServer{
		router:    mux.NewRouter(),
		coord:     coord,
		opts:      opts,
		startTime: time.Now(),
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Agent-ID"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 用户侧
	api.HandleFunc("/sessions", s.createSessionHandler).Methods("POST")
	api.HandleFunc("/qa", s.qaHandler).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}/messages", s.getMessagesHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}/request_human", s.requestHumanHandler).Methods("POST")
	api.HandleFunc("/sessions/{id}/close", s.closeHandler).Methods("POST")

	// 坐席侧
	api.HandleFunc("/alerts", s.requireAgent(s.alertsHandler)).Methods("GET")
	api.HandleFunc("/sessions", s.requireAgent(s.listSessionsHandler)).Methods("GET")
	api.HandleFunc("/sessions/{id}/takeover", s.requireAgent(s.takeoverHandler)).Methods("POST")
	api.HandleFunc("/sessions/{id}/reply", s.requireAgent(s.replyHandler)).Methods("POST")

	// 健康检查和监控
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// Handler 路由（含 CORS），供 httptest 使用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

type agentHandler func(w http.ResponseWriter, r *http.Request, agentID domain.AgentID)

// requireAgent 校验 Authorization: Bearer <token> 与 X-Agent-ID
func (s *APIServer) requireAgent(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := domain.AgentID(r.Header.Get("X-Agent-ID"))
		if err := s.opts.Auth.Authenticate(agentID, auth.TokenFromRequest(r)); err != nil {
			s.writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "agent credentials required")
			return
		}
		next(w, r, agentID)
	}
}

// ===== 用户侧处理器 =====

func (s *APIServer) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID domain.UserID `json:"user_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "Invalid JSON")
			return
		}
	}

	sess, err := s.coord.CreateSession(r.Context(), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success:   true,
		Data:      sess,
		Timestamp: time.Now().UnixMilli(),
	})
}

// qaHandler 与 WebSocket 上的 message 走相同路径，同步返回机器人回复
func (s *APIServer) qaHandler(w http.ResponseWriter, r *http.Request) {
	var req QARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "question is required")
		return
	}

	ctx := r.Context()
	id := domain.SessionID(req.SessionID)
	if id == "" {
		sess, err := s.coord.CreateSession(ctx, req.UserID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		id = sess.ID
	} else if _, err := s.coord.OpenSession(ctx, id, req.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	res, err := s.coord.Ask(ctx, id, req.Question)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := QAResponse{
		SessionID: string(id),
		Mode:      res.Session.Mode,
		Escalated: res.Escalated,
		Discarded: res.Discarded,
		Message:   res.Message,
	}
	if res.Message != nil {
		resp.Answer = res.Message.Content
		resp.Retryable = res.Message.Retryable
	}
	s.writeSuccessResponse(w, resp)
}

func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(domain.SessionID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, sess)
}

func (s *APIServer) getMessagesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterSeq, err := parseUint(q.Get("after_seq"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "invalid after_seq")
		return
	}
	limit, err := parseUint(q.Get("limit"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "invalid limit")
		return
	}

	msgs, err := s.coord.History(domain.SessionID(mux.Vars(r)["id"]), afterSeq, int(limit))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	s.writeSuccessResponse(w, msgs)
}

func (s *APIServer) requestHumanHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.RequestHuman(r.Context(), domain.SessionID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, sess)
}

// closeHandler 带 X-Agent-ID 时以坐席身份关闭（需要令牌），否则以用户身份关闭
func (s *APIServer) closeHandler(w http.ResponseWriter, r *http.Request) {
	actor := domain.UserActor("")
	if agentID := domain.AgentID(r.Header.Get("X-Agent-ID")); agentID != "" {
		if err := s.opts.Auth.Authenticate(agentID, auth.TokenFromRequest(r)); err != nil {
			s.writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "agent credentials required")
			return
		}
		actor = domain.AgentActor(agentID)
	}

	sess, err := s.coord.CloseSession(r.Context(), domain.SessionID(mux.Vars(r)["id"]), actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, sess)
}

// ===== 坐席侧处理器 =====

func (s *APIServer) alertsHandler(w http.ResponseWriter, r *http.Request, _ domain.AgentID) {
	s.writeSuccessResponse(w, s.coord.Alerts())
}

func (s *APIServer) listSessionsHandler(w http.ResponseWriter, r *http.Request, _ domain.AgentID) {
	s.writeSuccessResponse(w, s.coord.Sessions())
}

func (s *APIServer) takeoverHandler(w http.ResponseWriter, r *http.Request, agentID domain.AgentID) {
	sess, err := s.coord.Takeover(r.Context(), agentID, domain.SessionID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, sess)
}

func (s *APIServer) replyHandler(w http.ResponseWriter, r *http.Request, agentID domain.AgentID) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_input", "Invalid JSON")
		return
	}

	msg, err := s.coord.Reply(r.Context(), agentID, domain.SessionID(mux.Vars(r)["id"]), req.Message)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, msg)
}

// 健康检查和指标
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.opts.Health != nil {
		for k, v := range s.opts.Health(r.Context()) {
			data[k] = v
		}
	}
	s.writeSuccessResponse(w, data)
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"http":        s.GetStats(),
		"coordinator": s.coord.Stats(),
	}
	if s.opts.Stats != nil {
		stats["chat"] = s.opts.Stats()
	}
	s.writeSuccessResponse(w, stats)
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

// writeDomainError 按错误码映射HTTP状态
func (s *APIServer) writeDomainError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
	}
	s.writeErrorResponse(w, status, code, err.Error())
}

// StatusFor 领域错误对应的HTTP状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrModeChanged):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api server: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
