package offline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/myaktion/offline-hub/internal/config"
)

// Options 是 Manager 的构造参数，CacheName 在构造时固定，便于测试中并存多个实例。
type Options struct {
	CacheName   string
	OfflinePath string
	CoreAssets  []string
	// Origin 为页面所在源，核心资源与离线页都相对它解析，同源判断也以它为准。
	Origin *url.URL

	NavigationCacheFallback bool
	InstallConcurrency      int
	// MaxEntryBytes 限制运行期写入的单条响应体大小，超出时只透传不缓存；0 表示不限。
	// 核心资源不受此限制。
	MaxEntryBytes int64

	Logger *logrus.Logger
}

// OptionsFromConfig 将配置文件映射为 Manager 参数。
func OptionsFromConfig(cfg *config.Config, logger *logrus.Logger) Options {
	assets := make([]string, len(cfg.Agent.CoreAssets))
	copy(assets, cfg.Agent.CoreAssets)
	return Options{
		CacheName:               cfg.Agent.CacheVersion,
		OfflinePath:             cfg.Agent.OfflinePath,
		CoreAssets:              assets,
		Origin:                  cfg.Agent.OriginURL(),
		NavigationCacheFallback: cfg.Agent.NavigationCacheFallback,
		InstallConcurrency:      cfg.Global.InstallConcurrency,
		MaxEntryBytes:           cfg.Global.MaxEntryBytes.Int64(),
		Logger:                  logger,
	}
}

func (o Options) validate() error {
	if strings.TrimSpace(o.CacheName) == "" {
		return errors.New("cache name required")
	}
	if o.Origin == nil || o.Origin.Scheme == "" || o.Origin.Host == "" {
		return errors.New("origin must be an absolute url")
	}
	if o.MaxEntryBytes < 0 {
		return errors.New("max entry bytes must not be negative")
	}
	if len(o.CoreAssets) == 0 {
		return errors.New("core assets required")
	}
	seen := make(map[string]struct{}, len(o.CoreAssets))
	for _, asset := range o.CoreAssets {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("core asset must start with '/': %s", asset)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("duplicate core asset: %s", asset)
		}
		seen[asset] = struct{}{}
	}
	if _, ok := seen[o.OfflinePath]; !ok {
		return fmt.Errorf("offline path %q is not a core asset", o.OfflinePath)
	}
	return nil
}
