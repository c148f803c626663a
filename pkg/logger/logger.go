package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu          sync.RWMutex
	fileWriters map[string]*lumberjack.Logger
	activeDate  atomic.Value
	stopRotate  chan struct{}

	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

// setup 根据配置初始化全局 logger
func setup(cfg Config) error {
	activeDate.Store(time.Now().Format(DateFormat))
	stopRotate = make(chan struct{})

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.LevelFiles.IsEmpty() {
		cfg.LevelFiles = LevelFiles{{Level: INFO, Path: "logs/info.log"}}
	}

	for _, p := range cfg.LevelFiles.GetPaths() {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
	}

	installWriters(cfg)

	go watchDate(cfg)

	return nil
}

// installWriters 构建分级文件 writer 并替换全局 logger
func installWriters(cfg Config) {
	var mask uint8
	for _, entry := range cfg.LevelFiles {
		mask |= 1 << parseLevel(entry.Level)
	}

	writers := make([]io.Writer, 0, len(cfg.LevelFiles)+1)
	files := make(map[string]*lumberjack.Logger, len(cfg.LevelFiles))

	for _, entry := range cfg.LevelFiles {
		lj := &lumberjack.Logger{
			Filename:   entry.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		files[entry.Level] = lj

		writers = append(writers, &levelWriter{
			level: parseLevel(entry.Level),
			mask:  mask,
			Writer: &zerolog.ConsoleWriter{
				Out:        lj,
				TimeFormat: TimeFormat,
				NoColor:    true,
			},
		})
	}

	if cfg.Console {
		writers = append(writers, &zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: TimeFormat})
	}

	mu.Lock()
	defer mu.Unlock()

	closeFiles()
	fileWriters = files
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller().Logger()
}

// levelWriter 只写入匹配等级的日志，未单独配置文件的等级落入 info 文件
type levelWriter struct {
	level zerolog.Level
	mask  uint8
	io.Writer
}

func (w *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == w.level {
		return w.Writer.Write(p)
	}

	switch w.level {
	case zerolog.InfoLevel:
		if w.mask&(1<<level) == 0 {
			return w.Writer.Write(p)
		}
	case zerolog.ErrorLevel:
		if level == zerolog.FatalLevel && w.mask&(1<<level) == 0 {
			return w.Writer.Write(p)
		}
	}
	return len(p), nil
}

func parseLevel(name string) zerolog.Level {
	switch name {
	case DEBUG, "DEBUG":
		return zerolog.DebugLevel
	case WARN, "WARN":
		return zerolog.WarnLevel
	case ERROR, "ERROR":
		return zerolog.ErrorLevel
	case FATAL, "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func closeFiles() {
	for level, lj := range fileWriters {
		if err := lj.Close(); err != nil {
			log.Logger.Err(err).Str("level", level).Msg("close log file failed")
		}
	}
	fileWriters = nil
}

// watchDate 跨天时轮转所有日志文件
func watchDate(cfg Config) {
	now := time.Now()
	timer := time.NewTimer(nextMidnight(now).Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-stopRotate:
			return
		case t := <-timer.C:
			today := t.Format(DateFormat)
			if today != activeDate.Load().(string) {
				activeDate.Store(today)
				rotate(cfg)
			}
			timer.Reset(nextMidnight(t).Sub(t))
		}
	}
}

func rotate(cfg Config) {
	mu.RLock()
	files := fileWriters
	mu.RUnlock()

	for level, lj := range files {
		if err := lj.Rotate(); err != nil {
			log.Logger.Err(err).Str("level", level).Msg("rotate log file failed")
		}
	}
	installWriters(cfg)
	log.Logger.Info().Msg("log files rotated by date")
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// L 返回全局 logger
func L() zerolog.Logger {
	return log.Logger
}

// Component 返回带 component 字段的子 logger
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event {
	return log.Logger.Debug()
}

func Info() *zerolog.Event {
	return log.Logger.Info()
}

func Warn() *zerolog.Event {
	return log.Logger.Warn()
}

func Error() *zerolog.Event {
	return log.Logger.Error()
}

func Fatal() *zerolog.Event {
	return log.Logger.Fatal()
}

func Err(err error) *zerolog.Event {
	return log.Logger.Err(err)
}

// Close 停止日期轮转并关闭文件
func Close() {
	select {
	case stopRotate <- struct{}{}:
	default:
	}

	mu.Lock()
	defer mu.Unlock()
	closeFiles()
}
