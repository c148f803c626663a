package optimizer

import (
	"context"
	"errors"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
)

// Due 判断工作区是否到了定时运行时间
func Due(s *models.OptimizerSetting, now time.Time) bool {
	if s == nil || !s.AutoOptimizeEnabled || s.Interval() <= 0 {
		return false
	}
	switch {
	case s.NextRunAt != nil:
		return !now.Before(*s.NextRunAt)
	case s.LastRunAt != nil:
		return !now.Before(s.LastRunAt.Add(s.Interval()))
	}
	return true
}

// Loop 按 CheckInterval 检查并执行到期的定时运行，直到 ctx 结束
func (o *Optimizer) Loop(ctx context.Context, workspaceID uint) {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	o.log.Info().Uint("workspace_id", workspaceID).Msg("optimizer loop started")
	defer o.log.Info().Uint("workspace_id", workspaceID).Msg("optimizer loop stopped")

	o.tick(ctx, workspaceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx, workspaceID)
		}
	}
}

func (o *Optimizer) tick(ctx context.Context, workspaceID uint) {
	setting, err := o.deps.Settings.Get(ctx, workspaceID)
	if err != nil {
		o.log.Error().Err(err).Uint("workspace_id", workspaceID).Msg("load optimizer setting failed")
		return
	}
	if !Due(setting, o.now()) {
		return
	}

	_, err = o.RunPass(ctx, workspaceID, TriggerScheduled)
	switch {
	case errors.Is(err, roster.ErrPassAlreadyRunning):
		o.log.Debug().Uint("workspace_id", workspaceID).Msg("scheduled pass skipped, another pass is running")
	case err != nil && ctx.Err() == nil:
		o.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("scheduled pass failed")
	}
}
