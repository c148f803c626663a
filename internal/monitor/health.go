package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utrading/utrading-roster-optimizer/pkg/goplus"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// PublisherRef NATS发布器引用接口
type PublisherRef interface {
	IsConnected() bool
}

// FeedRef 数据源熔断器状态
type FeedRef interface {
	BreakerState() string
}

// SchedulerRef 工作区调度器引用接口
type SchedulerRef interface {
	WorkspaceCount() int
}

// WorkspaceQuery 按工作区查询只读状态
type WorkspaceQuery func(ctx context.Context, workspaceID uint) (any, error)

// ErrUnknownWorkspace 查询的工作区不存在
var ErrUnknownWorkspace = errors.New("unknown workspace")

// HealthServer HTTP 健康检查、指标与只读状态服务器
type HealthServer struct {
	addr         string
	publisher    PublisherRef
	feed         FeedRef
	scheduler    SchedulerRef
	optimizer    WorkspaceQuery
	opportunity  WorkspaceQuery
	server       *http.Server
	router       *mux.Router
	mu           sync.RWMutex
	healthy      bool
	healthySince time.Time
	startTime    time.Time
}

type HealthOptions struct {
	Publisher   PublisherRef
	Feed        FeedRef
	Scheduler   SchedulerRef
	Optimizer   WorkspaceQuery
	Opportunity WorkspaceQuery
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(addr string, opts HealthOptions) *HealthServer {
	h := &HealthServer{
		addr:         addr,
		publisher:    opts.Publisher,
		feed:         opts.Feed,
		scheduler:    opts.Scheduler,
		optimizer:    opts.Optimizer,
		opportunity:  opts.Opportunity,
		healthy:      true,
		healthySince: time.Now(),
		startTime:    time.Now(),
	}
	h.router = h.routes()
	return h
}

func (h *HealthServer) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/live", h.liveHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", h.statusHandler).Methods(http.MethodGet)

	ws := r.PathPrefix("/workspaces/{id:[0-9]+}").Subrouter()
	ws.HandleFunc("/optimizer", h.workspaceHandler(func() WorkspaceQuery { return h.optimizer })).Methods(http.MethodGet)
	ws.HandleFunc("/opportunity", h.workspaceHandler(func() WorkspaceQuery { return h.opportunity })).Methods(http.MethodGet)

	return r
}

// Handler 用于测试
func (h *HealthServer) Handler() http.Handler {
	return h.router
}

// Start 启动HTTP服务器
func (h *HealthServer) Start() {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("health server error")
		}
	})

	logger.Info().Str("addr", h.addr).Msg("health server started")
}

// Stop 停止服务器
func (h *HealthServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isReady() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.getHealthStatus())
}

func (h *HealthServer) workspaceHandler(query func() WorkspaceQuery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := query()
		if q == nil {
			writeError(w, http.StatusNotImplemented, "not available")
			return
		}

		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
		if err != nil || id == 0 {
			writeError(w, http.StatusBadRequest, "invalid workspace id")
			return
		}

		res, err := q(r.Context(), uint(id))
		switch {
		case errors.Is(err, ErrUnknownWorkspace):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			logger.Error().Err(err).Uint64("workspace_id", id).Str("path", r.URL.Path).Msg("workspace query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

// isReady NATS 断开或数据源熔断时不接流量
func (h *HealthServer) isReady() bool {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	if !healthy {
		return false
	}
	if h.publisher != nil && !h.publisher.IsConnected() {
		return false
	}
	if h.feed != nil && h.feed.BreakerState() == "open" {
		return false
	}
	return true
}

func (h *HealthServer) getHealthStatus() HealthStatus {
	h.mu.RLock()
	healthy := h.healthy
	healthySince := h.healthySince
	h.mu.RUnlock()

	status := HealthStatus{
		Healthy:      healthy,
		HealthySince: healthySince.Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
	}
	if h.publisher != nil {
		status.NATS.Connected = h.publisher.IsConnected()
	}
	if h.feed != nil {
		status.Feed.Breaker = h.feed.BreakerState()
	}
	if h.scheduler != nil {
		status.Workspaces.Count = h.scheduler.WorkspaceCount()
	}
	return status
}

// HealthStatus 健康状态结构
type HealthStatus struct {
	Healthy      bool            `json:"healthy"`
	HealthySince string          `json:"healthy_since"`
	Uptime       string          `json:"uptime"`
	NATS         NATSStatus      `json:"nats"`
	Feed         FeedStatus      `json:"feed"`
	Workspaces   WorkspaceStatus `json:"workspaces"`
}

type NATSStatus struct {
	Connected bool `json:"connected"`
}

type FeedStatus struct {
	Breaker string `json:"breaker"`
}

type WorkspaceStatus struct {
	Count int `json:"count"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
