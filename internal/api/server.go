package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TxPilot-Chain/internal/agent"
	"TxPilot-Chain/internal/auth"
	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/observability/metrics"
	"TxPilot-Chain/internal/plan"
)

// Server 负责暴露 REST 接口，供外部附加计划并驱动执行会话。
type Server struct {
	addr     string
	sessions *plan.Service
	builders *agent.Registry
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。builders 与 authService 均可为 nil。
func NewServer(addr string, sessions *plan.Service, builders *agent.Registry, authService *auth.Service) *Server {
	return &Server{
		addr:     addr,
		sessions: sessions,
		builders: builders,
		auth:     authService,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装全部路由与中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDetachSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/sessions/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/sessions/{id}/autopilot", s.handleAutopilot)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:    {"sessions:read"},
				http.MethodPost:   {"sessions:write"},
				http.MethodDelete: {"sessions:write"},
			},
		})(handler)
	}
	return observe(handler)
}

// CreateSessionRequest 支持两种创建方式：给出带标签的操作由服务端
// 构建计划，或直接附加一个现成的计划。
type CreateSessionRequest struct {
	ID        string           `json:"id,omitempty"`
	Operation *agent.Operation `json:"operation,omitempty"`
	Plan      plan.TxPlan      `json:"plan,omitempty"`
	Preview   map[string]any   `json:"preview,omitempty"`
}

// SessionResponse 是会话的对外表示。
type SessionResponse struct {
	ID        string         `json:"id"`
	Preview   map[string]any `json:"preview,omitempty"`
	Status    plan.RunStatus `json:"status"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	State     plan.Snapshot  `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	attach := plan.AttachRequest{ID: req.ID, Plan: req.Plan, Preview: req.Preview}
	if req.Operation != nil {
		if s.builders == nil {
			http.Error(w, "未配置操作构建器", http.StatusServiceUnavailable)
			return
		}
		result, err := s.builders.Build(ctx, *req.Operation)
		if err != nil {
			writeError(w, err)
			return
		}
		attach.Plan = result.Plan
		attach.Preview = result.Preview
	}

	session, err := s.sessions.Attach(ctx, attach)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionResponse(ctx, session, false))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var opts []plan.ListOption
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, plan.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		var statuses []plan.RunStatus
		for _, item := range strings.Split(raw, ",") {
			status := plan.RunStatus(strings.TrimSpace(item))
			if plan.IsValidRunStatus(status) {
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, plan.WithStatuses(statuses...))
		}
	}

	ctx := r.Context()
	sessions, err := s.sessions.List(ctx, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	responses := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, s.sessionResponse(ctx, session, false))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(r.Context(), session, true))
}

func (s *Server) handleDetachSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if err := s.sessions.Detach(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	snap, err := s.sessions.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	snap, err := s.sessions.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAutopilot(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	if err := s.sessions.Autopilot(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.sessions.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*plan.Session, bool) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return nil, false
	}
	session, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return session, true
}

// sessionResponse 组装会话的对外表示。live 为 true 时带上基于最新
// 钱包连接的门控快照，否则使用无连接的内部状态。
func (s *Server) sessionResponse(ctx context.Context, session *plan.Session, live bool) SessionResponse {
	var state plan.Snapshot
	if live {
		state = session.Executor().Snapshot(ctx)
	} else {
		state = session.Executor().State()
	}
	return SessionResponse{
		ID:        session.ID,
		Preview:   session.Preview,
		Status:    session.Status(),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		State:     state,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case plan.CodeSessionNotFound:
		status = http.StatusNotFound
	case plan.CodeSessionConflict, plan.CodeRunCompleted:
		status = http.StatusConflict
	case plan.CodePlanValidation, agent.CodeOpInvalid, agent.CodeOpUnsupported,
		agent.CodeTokenUnknown, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	type errorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	writeJSON(w, status, errorBody{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	})
}

// observe 记录每个请求的指标。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, recorder.status, time.Since(start))
	})
}

// routeLabel 把会话 ID 折叠掉，避免指标标签爆炸。
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if i > 0 && parts[i-1] == "sessions" && part != "" {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
