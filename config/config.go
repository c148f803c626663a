package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

type Server struct {
	HealthServerAddr        string        `toml:"health_server_addr"`
	WorkspaceReloadInterval time.Duration `toml:"workspace_reload_interval"`
	WorkspaceRemoveGrace    time.Duration `toml:"workspace_remove_grace"`
	ShutdownTimeout         time.Duration `toml:"shutdown_timeout"`
}

type MySQL struct {
	DSN                string   `toml:"dsn"`
	SlaveAddr          []string `toml:"slave_addr"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	SetConnMaxLifetime int      `toml:"set_conn_max_lifetime"`
	SetConnMaxIdleTime int      `toml:"set_conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

// Redis 为空地址时使用进程内锁
type Redis struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	LockTTL  time.Duration `toml:"lock_ttl"`
}

type NATS struct {
	Endpoint string `toml:"endpoint"`
	Enabled  bool   `toml:"enabled"`
}

type Logger struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

// Feed 外部钱包分析数据源
type Feed struct {
	BaseURL          string        `toml:"base_url"`
	APIKey           string        `toml:"api_key"`
	Timeout          time.Duration `toml:"timeout"`
	RequestsPerSec   float64       `toml:"requests_per_sec"`
	Burst            int           `toml:"burst"`
	CacheTTL         time.Duration `toml:"cache_ttl"`
	BreakerFailures  uint32        `toml:"breaker_failures"`
	BreakerOpenFor   time.Duration `toml:"breaker_open_for"`
	FetchConcurrency int           `toml:"fetch_concurrency"`
}

type Optimizer struct {
	ActiveCapacity         int           `toml:"active_capacity"`
	PinLimit               int           `toml:"pin_limit"`
	MinAllocPct            float64       `toml:"min_alloc_pct"`
	MaxAllocPct            float64       `toml:"max_alloc_pct"`
	ProbationAllocationPct float64       `toml:"probation_allocation_pct"`
	GraceAllocationPct     float64       `toml:"grace_allocation_pct"`
	ProbationWindow        time.Duration `toml:"probation_window"`
	GraceWindow            time.Duration `toml:"grace_window"`
	LossThreshold          int           `toml:"loss_threshold"`
	EmergencyLossThreshold int           `toml:"emergency_loss_threshold"`
	ReplaceMargin          float64       `toml:"replace_margin"`
	MinSampleSize          int           `toml:"min_sample_size"`
	StaleAfter             time.Duration `toml:"stale_after"`
	StalePenalty           float64       `toml:"stale_penalty"`
	VolatilityDamping      float64       `toml:"volatility_damping"`
	MaxPasses              int           `toml:"max_passes"`
	PassTimeout            time.Duration `toml:"pass_timeout"`
	DefaultIntervalHours   int           `toml:"default_interval_hours"`
	ScheduleCheckInterval  time.Duration `toml:"schedule_check_interval"`
}

type Scanner struct {
	Enabled           bool          `toml:"enabled"`
	MaxMarketsCap     int           `toml:"max_markets_cap"`
	Aggressiveness    string        `toml:"aggressiveness"`
	MinSignalsForCore int           `toml:"min_signals_for_core"`
	ScanInterval      time.Duration `toml:"scan_interval"`
	CheckInterval     time.Duration `toml:"check_interval"`
}

type Cleaner struct {
	Interval         time.Duration `toml:"interval"`
	HistoryRetention time.Duration `toml:"history_retention"`
	ScoreRetention   time.Duration `toml:"score_retention"`
}

type Config struct {
	Server    Server    `toml:"server"`
	MySQL     MySQL     `toml:"mysql"`
	Redis     Redis     `toml:"redis"`
	NATS      NATS      `toml:"nats"`
	Logger    Logger    `toml:"log"`
	Feed      Feed      `toml:"feed"`
	Optimizer Optimizer `toml:"optimizer"`
	Scanner   Scanner   `toml:"scanner"`
	Cleaner   Cleaner   `toml:"cleaner"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Server: Server{
			HealthServerAddr:        "0.0.0.0:16810",
			WorkspaceReloadInterval: time.Minute,
			WorkspaceRemoveGrace:    10 * time.Minute,
			ShutdownTimeout:         30 * time.Second,
		},
		MySQL: MySQL{
			DSN:                "root:password@tcp(localhost:3306)/utrading?charset=utf8mb4&parseTime=True&loc=Local",
			SlaveAddr:          []string{},
			MaxIdleConnections: 16,
			MaxOpenConnections: 64,
			SetConnMaxLifetime: 7200,
			SetConnMaxIdleTime: 3600,
			ProxyAddr:          "127.0.0.1:7890",
		},
		Redis: Redis{
			LockTTL: 2 * time.Minute,
		},
		NATS: NATS{
			Endpoint: "nats://localhost:4222",
			Enabled:  true,
		},
		Logger: Logger{
			Dir:        "logs",
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
		},
		Feed: Feed{
			BaseURL:          "http://localhost:18080",
			Timeout:          10 * time.Second,
			RequestsPerSec:   20,
			Burst:            5,
			CacheTTL:         2 * time.Minute,
			BreakerFailures:  5,
			BreakerOpenFor:   30 * time.Second,
			FetchConcurrency: 16,
		},
		Optimizer: Optimizer{
			ActiveCapacity:         5,
			PinLimit:               3,
			MinAllocPct:            5,
			MaxAllocPct:            60, // 单钱包不超过 60%
			ProbationAllocationPct: 10,
			GraceAllocationPct:     10,
			ProbationWindow:        72 * time.Hour,
			GraceWindow:            24 * time.Hour,
			LossThreshold:          3,
			EmergencyLossThreshold: 6,
			ReplaceMargin:          0.10,
			MinSampleSize:          20,
			StaleAfter:             6 * time.Hour,
			StalePenalty:           0.5,
			VolatilityDamping:      0.3,
			MaxPasses:              10,
			PassTimeout:            30 * time.Second,
			DefaultIntervalHours:   6,
			ScheduleCheckInterval:  time.Minute,
		},
		Scanner: Scanner{
			Enabled:           true,
			MaxMarketsCap:     20,
			Aggressiveness:    "balanced",
			MinSignalsForCore: 5,
			ScanInterval:      15 * time.Minute,
			CheckInterval:     time.Minute,
		},
		Cleaner: Cleaner{
			Interval:         time.Hour,
			HistoryRetention: 90 * 24 * time.Hour,
			ScoreRetention:   7 * 24 * time.Hour,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	applyEnv(c)

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

// applyEnv 环境变量覆盖敏感配置，.env 文件可选
func applyEnv(c *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("ROSTER_MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("ROSTER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ROSTER_FEED_URL"); v != "" {
		c.Feed.BaseURL = v
	}
	if v := os.Getenv("ROSTER_FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("ROSTER_PASS_TIMEOUT"); v != "" {
		if d := cast.ToDuration(v); d > 0 {
			c.Optimizer.PassTimeout = d
		}
	}
	if v := os.Getenv("ROSTER_NATS_ENABLED"); v != "" {
		c.NATS.Enabled = cast.ToBool(v)
	}
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	if cfg == nil {
		return Default()
	}
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
		stopChan = nil
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
