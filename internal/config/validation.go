package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverSQLite: {},
	StorageDriverMemory: {},
}

const supportedStorageDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.MaxEntryBytes < 0 {
		return newFieldError("Global.MaxEntryBytes", "不能为负数")
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", agentField("Origin"), err)
	}
	if a.CacheVersion == "" {
		return newFieldError(agentField("CacheVersion"), "不能为空")
	}
	if strings.ContainsAny(a.CacheVersion, "/\\") {
		return newFieldError(agentField("CacheVersion"), "不允许包含路径分隔符")
	}
	if len(a.CoreAssets) == 0 {
		return newFieldError(agentField("CoreAssets"), "至少需要一个资源")
	}

	seen := make(map[string]struct{}, len(a.CoreAssets))
	for i, asset := range a.CoreAssets {
		if err := validateAssetPath(asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(i), err)
		}
		if _, exists := seen[asset]; exists {
			return newFieldError(assetField(i), "重复")
		}
		seen[asset] = struct{}{}
	}

	if err := validateAssetPath(a.OfflinePath); err != nil {
		return fmt.Errorf("%s: %w", agentField("OfflinePath"), err)
	}
	if _, ok := seen[a.OfflinePath]; !ok {
		return newFieldError(agentField("OfflinePath"), "必须包含在 CoreAssets 中")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不允许包含路径: %s", raw)
	}
	return nil
}

func validateAssetPath(p string) error {
	if p == "" {
		return errors.New("路径不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("路径必须以 / 开头: %s", p)
	}
	if strings.Contains(p, "#") {
		return fmt.Errorf("路径不允许包含片段: %s", p)
	}
	return nil
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (a AgentConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(a.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}
