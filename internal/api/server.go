package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"OpenMCP-Solana/internal/agent"
	"OpenMCP-Solana/internal/auth"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/ledger"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/internal/task"
	"OpenMCP-Solana/internal/tools"
	"OpenMCP-Solana/pkg/logger"
)

// ToolRunner 是 API 对工具注册表的依赖。
type ToolRunner interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// HistoryReader 提供对话记录查询。
type HistoryReader interface {
	ListHistory(ctx context.Context, limit int) ([]agent.TaskResult, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	tools           ToolRunner
	tasks           *task.Service
	ledger          ledger.Store
	transactions    ledger.TransactionFinder
	history         HistoryReader
	auth            *auth.Service
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithTools 挂载工具接口。
func WithTools(runner ToolRunner) Option {
	return func(s *Server) { s.tools = runner }
}

// WithTaskService 挂载异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithLedger 挂载发行账本接口。
func WithLedger(store ledger.Store) Option {
	return func(s *Server) { s.ledger = store }
}

// WithTransactionFinder 让续跑前能确认上一次供应交易是否已经落地。
func WithTransactionFinder(finder ledger.TransactionFinder) Option {
	return func(s *Server) { s.transactions = finder }
}

// WithHistory 挂载对话记录接口。
func WithHistory(reader HistoryReader) Option {
	return func(s *Server) { s.history = reader }
}

// WithAuth 要求 /api/v1 下的请求携带 API Key，POST 需要写权限。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithTimeouts 设置读取与优雅关闭的超时。
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		readTimeout:     10 * time.Second,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的 chi 路由器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth.Enabled() {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
				http.MethodPost: {auth.PermissionWrite},
				"*":             {auth.PermissionRead},
			}}))
		}
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{name}", s.handleInvokeTool)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/stats", s.handleTaskStats)
		r.Get("/tasks/{id}", s.handleTaskDetail)

		r.Get("/issuances", s.handleListIssuances)
		r.Get("/issuances/{mint}", s.handleIssuanceDetail)
		r.Post("/issuances/{mint}/supply", s.handleResumeSupply)

		r.Get("/history", s.handleHistory)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.tools == nil {
		writeUnavailable(w, "工具未启用")
		return
	}
	defs := s.tools.Definitions()
	views := make([]toolView, 0, len(defs))
	for _, def := range defs {
		views = append(views, toolView{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeUnavailable(w, "工具未启用")
		return
	}
	args, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	output, err := s.tools.Invoke(r.Context(), chi.URLParam(r, "name"), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, output)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeUnavailable(w, "任务服务未启用")
		return
	}
	var req agent.TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeUnavailable(w, "任务服务未启用")
		return
	}
	opts, err := taskListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeUnavailable(w, "任务服务未启用")
		return
	}
	opts, err := taskListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeUnavailable(w, "任务服务未启用")
		return
	}
	found, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListIssuances(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeUnavailable(w, "发行账本未启用")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.ledger.List(r.Context(), ledger.ListOptions{Limit: limit, Phase: ledger.Phase(r.URL.Query().Get("phase"))})
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleIssuanceDetail(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeUnavailable(w, "发行账本未启用")
		return
	}
	record, err := s.ledger.Get(r.Context(), chi.URLParam(r, "mint"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleResumeSupply 对账本中记录的 mint 重新执行第二步。
func (s *Server) handleResumeSupply(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil || s.tools == nil {
		writeUnavailable(w, "发行账本未启用")
		return
	}
	record, err := s.ledger.Get(r.Context(), chi.URLParam(r, "mint"))
	if err != nil {
		writeError(w, err)
		return
	}
	args, err := record.ResumeArguments(r.Context(), s.transactions)
	if err != nil {
		writeError(w, err)
		return
	}
	output, err := s.tools.Invoke(r.Context(), tools.MintSupply, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, output)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "对话记录未启用")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.history.ListHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []agent.TaskResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func taskListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		return nil, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts := []task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if tool := query.Get("tool"); tool != "" {
		opts = append(opts, task.WithTool(tool))
	}
	if code := query.Get("error_code"); code != "" {
		opts = append(opts, task.WithErrorCode(code))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		secs, err := queryInt(r, key, 0)
		if err != nil {
			return nil, err
		}
		if secs > 0 {
			opts = append(opts, apply(time.Unix(int64(secs), 0)))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
	}
	return value, nil
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

// observe 以路由模板为标签记录请求指标。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}
