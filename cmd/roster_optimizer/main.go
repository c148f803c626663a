package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/utrading/utrading-roster-optimizer/config"
	"github.com/utrading/utrading-roster-optimizer/internal/cleaner"
	"github.com/utrading/utrading-roster-optimizer/internal/dal"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/workspace"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
	"github.com/utrading/utrading-roster-optimizer/pkg/sigproc"
)

var (
	configFile  string
	workspaceID uint
	unackedOnly bool
	historySize int
	genOutPath  string
)

var rootCmd = &cobra.Command{
	Use:           "roster_optimizer",
	Short:         "Wallet roster and market allocation optimizer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled optimizer and scanner loops for every configured workspace",
	RunE:  runServe,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run one optimization pass now",
	RunE: withApp(func(ctx context.Context, a *app) (any, error) {
		return a.optimizer.TriggerOptimization(ctx, workspaceID)
	}),
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one opportunity scan now",
	RunE: withApp(func(ctx context.Context, a *app) (any, error) {
		return a.scanner.RunScan(ctx, workspaceID, false)
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print optimizer status and market selection",
	RunE: withApp(func(ctx context.Context, a *app) (any, error) {
		status, err := a.optimizer.GetOptimizerStatus(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		selection, err := a.scanner.GetOpportunitySelection(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"optimizer": status, "opportunity": selection}, nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List rotation history",
	RunE: withApp(func(ctx context.Context, a *app) (any, error) {
		return a.optimizer.ListRotationHistory(ctx, workspaceID, dao.HistoryQuery{
			Limit:              historySize,
			UnacknowledgedOnly: unackedOnly,
		})
	}),
}

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate gorm-gen query code for the roster tables",
	RunE:  runGen,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "cfg.toml", "config file path")

	for _, cmd := range []*cobra.Command{optimizeCmd, scanCmd, statusCmd, historyCmd} {
		cmd.Flags().UintVar(&workspaceID, "workspace", 0, "workspace id")
		_ = cmd.MarkFlagRequired("workspace")
	}
	historyCmd.Flags().BoolVar(&unackedOnly, "unacknowledged", false, "only unacknowledged entries")
	historyCmd.Flags().IntVar(&historySize, "limit", 50, "max entries")
	genCmd.Flags().StringVar(&genOutPath, "out", "internal/dal/query", "output directory")

	rootCmd.AddCommand(serveCmd, optimizeCmd, scanCmd, statusCmd, historyCmd, genCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp 一次性命令：组装服务、执行、以 JSON 输出结果
func withApp(fn func(ctx context.Context, a *app) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(configFile)
		if err != nil {
			return err
		}
		defer logger.Close()
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		res, err := fn(ctx, a)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	a, err := newApp(configFile)
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg := a.cfg
	logger.Info().Msg("roster_optimizer service starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建数据清理器
	dataCleaner := cleaner.NewCleaner(dao.WalletBan(), dao.RotationHistory(), dao.MarketSelection(), cfg.Cleaner)
	dataCleaner.Start()

	// 工作区加载器：每个工作区一个优化器循环和一个扫描循环
	loader := workspace.NewLoader(
		dao.Workspace(),
		[]workspace.Loop{
			{Name: "optimizer", Run: a.optimizer.Optimizer().Loop},
			{Name: "scanner", Run: a.scanner.Loop},
		},
		cfg.Server.WorkspaceReloadInterval,
		cfg.Server.WorkspaceRemoveGrace,
	)
	if err = loader.Start(); err != nil {
		dataCleaner.Stop()
		a.close()
		return fmt.Errorf("start workspace loader: %w", err)
	}

	// 初始化健康检查服务器
	healthServer := monitor.NewHealthServer(cfg.Server.HealthServerAddr, monitor.HealthOptions{
		Publisher: a.publisher,
		Feed:      a.feedClient,
		Scheduler: loader,
		Optimizer: func(ctx context.Context, id uint) (any, error) {
			return a.optimizer.GetOptimizerStatus(ctx, id)
		},
		Opportunity: func(ctx context.Context, id uint) (any, error) {
			return a.scanner.GetOpportunitySelection(ctx, id)
		},
	})
	healthServer.Start()

	logger.Info().
		Str("feed_url", cfg.Feed.BaseURL).
		Str("health_addr", cfg.Server.HealthServerAddr).
		Int("workspaces", loader.WorkspaceCount()).
		Msg("roster_optimizer service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(cfg.Server.ShutdownTimeout, func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		// 停止数据清理器
		dataCleaner.Stop()

		// 停止所有工作区循环，等待进行中的运行结束
		loader.Stop()

		// 关闭健康检查服务器
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("stop health server failed")
		}

		a.close()

		logger.Info().Msg("roster_optimizer service stopped")
		logger.Close()
		cancel()
	})

	<-ctx.Done()
	return nil
}

// runGen 连接数据库后按模型生成查询代码
func runGen(_ *cobra.Command, _ []string) error {
	if err := config.Init(configFile); err != nil {
		return err
	}
	defer config.Stop()
	if err := initLogger(config.Get()); err != nil {
		return err
	}
	defer logger.Close()

	dal.InitMysqlDB(config.Get().MySQL)
	defer dal.CloseMySQL()

	dal.GenExecute(genOutPath, dal.MySQL())
	logger.Info().Str("out", genOutPath).Msg("gorm-gen query code generated")
	return nil
}
