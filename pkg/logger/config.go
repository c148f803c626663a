package logger

const (
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
	FATAL = "fatal"
)

// LevelFileEntry 单个等级的日志文件
type LevelFileEntry struct {
	Level string
	Path  string
}

// LevelFiles 分等级日志文件集合
type LevelFiles []LevelFileEntry

func (lf LevelFiles) IsEmpty() bool {
	return len(lf) == 0
}

// GetPaths 获取所有文件路径
func (lf LevelFiles) GetPaths() []string {
	paths := make([]string, 0, len(lf))
	for _, entry := range lf {
		paths = append(paths, entry.Path)
	}
	return paths
}

type Config struct {
	LevelFiles LevelFiles // 空时只写 logs/info.log
	MaxSize    int        // 单文件最大 MB
	MaxBackups int
	MaxAge     int // 天
	Level      string
	Compress   bool
	Console    bool
}

// DefaultConfig 默认 err + info 两个文件
func DefaultConfig() Config {
	return Config{
		LevelFiles: LevelFiles{
			{Level: ERROR, Path: "logs/err.log"},
			{Level: INFO, Path: "logs/info.log"},
		},
		MaxSize:    10,
		MaxBackups: 100,
		MaxAge:     5,
		Level:      INFO,
	}
}

type Builder struct {
	config Config
}

func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) SetMaxSize(size int) *Builder {
	b.config.MaxSize = size
	return b
}

func (b *Builder) SetMaxBackups(backups int) *Builder {
	b.config.MaxBackups = backups
	return b
}

func (b *Builder) SetMaxAge(days int) *Builder {
	b.config.MaxAge = days
	return b
}

func (b *Builder) SetLevel(level string) *Builder {
	b.config.Level = level
	return b
}

func (b *Builder) EnableCompression(enable bool) *Builder {
	b.config.Compress = enable
	return b
}

func (b *Builder) EnableConsoleOutput(enable bool) *Builder {
	b.config.Console = enable
	return b
}

// SetDir 将默认的 err/info 文件放到指定目录
func (b *Builder) SetDir(dir string) *Builder {
	if dir == "" {
		return b
	}
	b.config.LevelFiles = LevelFiles{
		{Level: ERROR, Path: dir + "/err.log"},
		{Level: INFO, Path: dir + "/info.log"},
	}
	return b
}

// SetLevelFiles 覆盖分等级文件配置
func (b *Builder) SetLevelFiles(files LevelFiles) *Builder {
	b.config.LevelFiles = files
	return b
}

func (b *Builder) Build() error {
	return setup(b.config)
}
