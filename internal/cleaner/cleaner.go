package cleaner

import (
	"context"
	"time"

	"github.com/utrading/utrading-roster-optimizer/config"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

type BanStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type HistoryStore interface {
	DeleteAcknowledgedBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAuditsBefore(ctx context.Context, before time.Time) (int64, error)
}

type ScoreStore interface {
	DeleteScoresBefore(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner 数据清理器，定时清理过期封禁与历史数据
// 未确认的轮换记录永不清理
type Cleaner struct {
	bans    BanStore
	history HistoryStore
	scores  ScoreStore
	cfg     config.Cleaner
	done    chan struct{}
	stopped chan struct{}
	now     func() time.Time
	timeout time.Duration
	started bool
}

// NewCleaner 创建清理器
func NewCleaner(bans BanStore, history HistoryStore, scores ScoreStore, cfg config.Cleaner) *Cleaner {
	def := config.Default().Cleaner
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.ScoreRetention <= 0 {
		cfg.ScoreRetention = def.ScoreRetention
	}
	return &Cleaner{
		bans:    bans,
		history: history,
		scores:  scores,
		cfg:     cfg,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
		timeout: time.Minute,
	}
}

// Start 启动清理任务
func (c *Cleaner) Start() {
	c.started = true
	go func() {
		defer close(c.stopped)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		logger.Info().Dur("interval", c.cfg.Interval).Msg("cleaner started")

		// 启动时立即执行一次
		c.Clean()

		for {
			select {
			case <-ticker.C:
				c.Clean()
			case <-c.done:
				logger.Info().Msg("cleaner stopped")
				return
			}
		}
	}()
}

// Stop 停止清理器
func (c *Cleaner) Stop() {
	close(c.done)
	if c.started {
		<-c.stopped
	}
}

// Clean 执行一次清理，单项失败不影响其他项
func (c *Cleaner) Clean() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	now := c.now()
	logger.Debug().Msg("running cleanup task")

	c.run("roster_wallet_bans", now, func() (int64, error) {
		return c.bans.DeleteExpired(ctx, now)
	})

	cutoff := now.Add(-c.cfg.HistoryRetention)
	c.run("roster_rotation_history", cutoff, func() (int64, error) {
		return c.history.DeleteAcknowledgedBefore(ctx, cutoff)
	})
	c.run("roster_allocation_audits", cutoff, func() (int64, error) {
		return c.history.DeleteAuditsBefore(ctx, cutoff)
	})

	scoreCutoff := now.Add(-c.cfg.ScoreRetention)
	c.run("market_selection_scores", scoreCutoff, func() (int64, error) {
		return c.scores.DeleteScoresBefore(ctx, scoreCutoff)
	})
}

func (c *Cleaner) run(table string, cutoff time.Time, fn func() (int64, error)) {
	deleted, err := fn()
	if err != nil {
		logger.Error().Err(err).Str("table", table).Msg("cleanup failed")
		return
	}
	monitor.AddCleanerDeleted(table, deleted)
	if deleted > 0 {
		logger.Info().
			Str("table", table).
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("cleaned expired rows")
	}
}
