package monitor

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标收集器
type Metrics struct {
	passesTotal         *prometheus.CounterVec
	passDuration        *prometheus.HistogramVec
	rotationsTotal      *prometheus.CounterVec
	persistenceConflict prometheus.Counter
	activeWallets       *prometheus.GaugeVec
	benchWallets        *prometheus.GaugeVec
	pinnedWallets       *prometheus.GaugeVec
	scansTotal          *prometheus.CounterVec
	marketsSelected     *prometheus.GaugeVec
	workspacesScheduled prometheus.Gauge
	natsConnected       prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
	publishErrors       *prometheus.CounterVec
	cacheHitTotal       *prometheus.CounterVec
	cacheMissTotal      *prometheus.CounterVec
	cleanerDeleted      *prometheus.CounterVec
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimizer_passes_total",
				Help:      "优化轮次总数（按触发方式与结果）",
			},
			[]string{"trigger", "outcome"}, // applied, not_applied, skipped, already_running, conflict, timeout, error
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimizer_pass_duration_seconds",
				Help:      "单轮优化耗时分布（秒）",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"trigger"},
		),
		rotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotations_total",
				Help:      "名册变更总数（按动作）",
			},
			[]string{"action", "automatic"},
		),
		persistenceConflict: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_conflicts_total",
				Help:      "提交时版本冲突次数",
			},
		),
		activeWallets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_active_wallets",
				Help:      "active 层钱包数",
			},
			[]string{"workspace"},
		),
		benchWallets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_bench_wallets",
				Help:      "bench 层钱包数",
			},
			[]string{"workspace"},
		),
		pinnedWallets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_pinned_wallets",
				Help:      "固定钱包数",
			},
			[]string{"workspace"},
		),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scanner_runs_total",
				Help:      "市场扫描次数（按结果）",
			},
			[]string{"outcome"},
		),
		marketsSelected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scanner_markets_selected",
				Help:      "最近一次扫描选中的市场数",
			},
			[]string{"workspace", "tier"},
		),
		workspacesScheduled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces_scheduled",
				Help:      "当前调度中的工作区数量",
			},
		),
		natsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nats_connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published to NATS",
			},
			[]string{"topic"},
		),
		publishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_errors_total",
				Help:      "Total number of NATS publish errors",
			},
			[]string{"topic"},
		),
		cacheHitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hit_total",
				Help:      "缓存命中总数（按缓存类型）",
			},
			[]string{"cache_type"}, // wallet_metrics, candidates, market_signals, governance
		),
		cacheMissTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_miss_total",
				Help:      "缓存未命中总数（按缓存类型）",
			},
			[]string{"cache_type"},
		),
		cleanerDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleaner_deleted_rows_total",
				Help:      "清理任务删除的行数",
			},
			[]string{"table"},
		),
	}

	prometheus.MustRegister(
		m.passesTotal,
		m.passDuration,
		m.rotationsTotal,
		m.persistenceConflict,
		m.activeWallets,
		m.benchWallets,
		m.pinnedWallets,
		m.scansTotal,
		m.marketsSelected,
		m.workspacesScheduled,
		m.natsConnected,
		m.eventsPublished,
		m.publishErrors,
		m.cacheHitTotal,
		m.cacheMissTotal,
		m.cleanerDeleted,
	)

	return m
}

// ObservePass 记录一轮优化
func (m *Metrics) ObservePass(trigger, outcome string, seconds float64) {
	m.passesTotal.WithLabelValues(trigger, outcome).Inc()
	m.passDuration.WithLabelValues(trigger).Observe(seconds)
}

// PassCounter 指定触发方式与结果的轮次计数器
func (m *Metrics) PassCounter(trigger, outcome string) prometheus.Counter {
	return m.passesTotal.WithLabelValues(trigger, outcome)
}

// IncRotation 增加名册变更计数
func (m *Metrics) IncRotation(action string, automatic bool) {
	m.rotationsTotal.WithLabelValues(action, strconv.FormatBool(automatic)).Inc()
}

func (m *Metrics) IncPersistenceConflict() {
	m.persistenceConflict.Inc()
}

// SetRosterSize 设置工作区名册规模
func (m *Metrics) SetRosterSize(workspaceID uint, active, bench, pinned int) {
	ws := strconv.FormatUint(uint64(workspaceID), 10)
	m.activeWallets.WithLabelValues(ws).Set(float64(active))
	m.benchWallets.WithLabelValues(ws).Set(float64(bench))
	m.pinnedWallets.WithLabelValues(ws).Set(float64(pinned))
}

func (m *Metrics) IncScan(outcome string) {
	m.scansTotal.WithLabelValues(outcome).Inc()
}

// SetMarketsSelected 设置扫描选中的市场数
func (m *Metrics) SetMarketsSelected(workspaceID uint, core, exploration int) {
	ws := strconv.FormatUint(uint64(workspaceID), 10)
	m.marketsSelected.WithLabelValues(ws, "core").Set(float64(core))
	m.marketsSelected.WithLabelValues(ws, "exploration").Set(float64(exploration))
}

// DeleteWorkspace 工作区下线后移除相关序列
func (m *Metrics) DeleteWorkspace(workspaceID uint) {
	ws := strconv.FormatUint(uint64(workspaceID), 10)
	m.activeWallets.DeleteLabelValues(ws)
	m.benchWallets.DeleteLabelValues(ws)
	m.pinnedWallets.DeleteLabelValues(ws)
	m.marketsSelected.DeleteLabelValues(ws, "core")
	m.marketsSelected.DeleteLabelValues(ws, "exploration")
}

func (m *Metrics) SetWorkspacesScheduled(count int) {
	m.workspacesScheduled.Set(float64(count))
}

// SetNATSConnected 设置NATS连接状态
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

func (m *Metrics) IncEventsPublished(topic string) {
	m.eventsPublished.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncPublishErrors(topic string) {
	m.publishErrors.WithLabelValues(topic).Inc()
}

// IncCacheHit 增加缓存命中计数
func (m *Metrics) IncCacheHit(cacheType string) {
	m.cacheHitTotal.WithLabelValues(cacheType).Inc()
}

// IncCacheMiss 增加缓存未命中计数
func (m *Metrics) IncCacheMiss(cacheType string) {
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) AddCleanerDeleted(table string, n int64) {
	if n > 0 {
		m.cleanerDeleted.WithLabelValues(table).Add(float64(n))
	}
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("roster_optimizer")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供main使用）
func InitMetrics() {
	GetMetrics()
}
