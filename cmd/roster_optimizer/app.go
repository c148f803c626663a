package main

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/utrading/utrading-roster-optimizer/config"
	"github.com/utrading/utrading-roster-optimizer/internal/cache"
	"github.com/utrading/utrading-roster-optimizer/internal/dal"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/governance"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/nats"
	"github.com/utrading/utrading-roster-optimizer/internal/optimizer"
	"github.com/utrading/utrading-roster-optimizer/internal/scanner"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// app 进程内共享的组件
type app struct {
	cfg        *config.Config
	redis      *redis.Client
	publisher  nats.EventPublisher
	closeNATS  func()
	feedClient *feed.Client
	fetcher    *feed.Fetcher
	governance *governance.Reader
	optimizer  *optimizer.Service
	scanner    *scanner.Service
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetDir(cfg.Logger.Dir).
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}

// newApp 加载配置、连接存储并组装服务
func newApp(configFile string) (*app, error) {
	if err := config.Init(configFile); err != nil {
		return nil, err
	}
	cfg := config.Get()

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	monitor.InitMetrics()

	// 初始化数据库
	dal.InitMysqlDB(cfg.MySQL)
	dal.AutoMigrate(dal.MySQL())
	dao.InitDAO(dal.MySQL())

	a := &app{cfg: cfg, closeNATS: func() {}}

	// 分布式锁：配置了 Redis 时多实例互斥，否则进程内互斥
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = a.redis.Close()
			return nil, err
		}
		locker = lock.NewRedis(a.redis, cfg.Redis.LockTTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis workspace locks")
	}

	// 初始化 NATS
	a.publisher = nats.Noop{}
	if cfg.NATS.Enabled {
		pub, err := nats.NewPublisher(cfg.NATS.Endpoint)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = pub
		a.closeNATS = func() {
			if err := pub.Close(); err != nil {
				logger.Warn().Err(err).Msg("close nats publisher failed")
			}
		}
	}

	// 数据源：HTTP 客户端 → 快照缓存 → 并发拉取
	a.feedClient = feed.NewClient(feed.Config{
		BaseURL:         cfg.Feed.BaseURL,
		APIKey:          cfg.Feed.APIKey,
		Timeout:         cfg.Feed.Timeout,
		RequestsPerSec:  cfg.Feed.RequestsPerSec,
		Burst:           cfg.Feed.Burst,
		BreakerFailures: cfg.Feed.BreakerFailures,
		BreakerOpenFor:  cfg.Feed.BreakerOpenFor,
	})
	fetcher, err := feed.NewFetcher(cache.NewFeedCache(a.feedClient, cfg.Feed.CacheTTL), cfg.Feed.FetchConcurrency)
	if err != nil {
		a.close()
		return nil, err
	}
	a.fetcher = fetcher

	a.governance = governance.NewReader(dao.Governance(), 10*time.Second)

	opt := optimizer.New(optimizer.NewConfig(cfg.Optimizer), optimizer.Deps{
		Rosters:    dao.Roster(),
		Settings:   dao.OptimizerSetting(),
		History:    dao.RotationHistory(),
		Governance: a.governance,
		Feed:       a.fetcher,
		Locker:     locker,
		Publisher:  a.publisher,
	})
	a.optimizer = optimizer.NewService(opt)

	a.scanner = scanner.NewService(scanner.NewConfig(cfg.Scanner), scanner.Deps{
		Store:      dao.MarketSelection(),
		Feed:       a.fetcher,
		Governance: a.governance,
		Locker:     locker,
		Publisher:  a.publisher,
	})

	return a, nil
}

// close 按依赖反序释放资源
func (a *app) close() {
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	a.closeNATS()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("close redis failed")
		}
	}
	config.Stop()
	dal.CloseMySQL()
}
