package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStoreDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedStoreDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStoreDrivers[g.StoreDriver]; !ok {
		return newFieldError("Global.StoreDriver", "仅支持 "+supportedStoreDriverList)
	}
	if g.StoreDriver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := ValidateCacheVersion(w.CacheVersion); err != nil {
		return fmt.Errorf("Worker.CacheVersion: %w", err)
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	seen := make(map[string]struct{}, len(w.Precache))
	for i, entry := range w.Precache {
		entry = strings.TrimSpace(entry)
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(precacheField(i), "必须是以 / 开头的站内路径")
		}
		if _, exists := seen[entry]; exists {
			return newFieldError(precacheField(i), "重复")
		}
		seen[entry] = struct{}{}
		w.Precache[i] = entry
	}
	if !strings.HasPrefix(w.OfflineFallback, "/") {
		return newFieldError("Worker.OfflineFallback", "必须是以 / 开头的站内路径")
	}
	return nil
}

// ValidateCacheVersion 校验版本标签：非空、不含路径分隔符与空白。
func ValidateCacheVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if version == "." || version == ".." {
		return errors.New("不能为 . 或 ..")
	}
	if strings.ContainsAny(version, "/\\ \t") {
		return errors.New("不允许包含路径分隔符或空白")
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
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询或片段: %s", raw)
	}
	return nil
}
