package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ByteSize 接受 "32MiB"、"512kB" 等可读写法，也接受纯字节数。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size out of range: %s", raw)
	}
	return ByteSize(n), nil
}

// DefaultMaxEntryBytes 是单个缓存条目的默认上限。
const DefaultMaxEntryBytes ByteSize = 32 << 20

// 支持的缓存存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与回源行为。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	MaxEntryBytes      ByteSize `mapstructure:"MaxEntryBytes"`
}

// AgentConfig 对应 [Agent] 表，决定缓存版本、离线页与核心资源清单。
type AgentConfig struct {
	// Origin 是被代理 Web 应用的源站地址，同时作为“同源”判断的基准。
	Origin string `mapstructure:"Origin"`
	// CacheVersion 即当前缓存仓库的名称；修改该值会在激活时清除所有旧仓库。
	CacheVersion string `mapstructure:"CacheVersion"`
	// OfflinePath 为导航请求断网时返回的离线页，必须出现在 CoreAssets 中。
	OfflinePath string   `mapstructure:"OfflinePath"`
	CoreAssets  []string `mapstructure:"CoreAssets"`
	// NavigationCacheFallback 打开后，导航断网时先尝试该页面自身的缓存副本再退回离线页。
	NavigationCacheFallback bool `mapstructure:"NavigationCacheFallback"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// DefaultCoreAssets 为 MyAktion 应用壳所需的最小离线资源集合。
func DefaultCoreAssets() []string {
	return []string{
		"/",
		"/static/offline.html",
		"/site.webmanifest",
		"/static/icon-192.png",
		"/static/icon-512.png",
	}
}
