package config

import (
	"errors"
	"testing"
	"time"

	"github.com/egitim-takip/egitim-cache/internal/worker"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.LogMaxBackups != 10 {
		t.Fatalf("LogMaxBackups 应使用默认值，得到 %d", cfg.Global.LogMaxBackups)
	}
	if cfg.Worker.Origin != "http://127.0.0.1:5001" {
		t.Fatalf("Origin 末尾斜杠应被去除，得到 %s", cfg.Worker.Origin)
	}
	if len(cfg.Worker.Precache) != len(worker.DefaultManifest()) {
		t.Fatalf("未配置 Precache 时应使用默认清单，得到 %v", cfg.Worker.Precache)
	}
	if cfg.Worker.OfflineFallback != "/" {
		t.Fatalf("OfflineFallback 默认应为 /，得到 %s", cfg.Worker.OfflineFallback)
	}
	if cfg.Worker.OriginURL() == nil || cfg.Worker.OriginURL().Host != "127.0.0.1:5001" {
		t.Fatalf("OriginURL 解析错误: %v", cfg.Worker.OriginURL())
	}
}

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[Worker]
Origin = "http://127.0.0.1:5001"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSecondsDuration(t *testing.T) {
	cfg := `
UpstreamTimeout = 45

[Worker]
Origin = "https://egitim.example.com"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadReadsCustomManifest(t *testing.T) {
	cfg := `
StoreDriver = "SQLite"

[Worker]
CacheVersion = "egitim-takip-v7"
Origin = "http://127.0.0.1:5001"
Precache = ["/", "/static/logo.png"]
OfflineFallback = "/offline"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StoreDriver != "sqlite" {
		t.Fatalf("StoreDriver 应被规范化为小写，得到 %s", loaded.Global.StoreDriver)
	}
	if loaded.Worker.CacheVersion != "egitim-takip-v7" {
		t.Fatalf("CacheVersion 错误: %s", loaded.Worker.CacheVersion)
	}
	if len(loaded.Worker.Precache) != 2 || loaded.Worker.Precache[1] != "/static/logo.png" {
		t.Fatalf("Precache 错误: %v", loaded.Worker.Precache)
	}
	if loaded.Worker.OfflineFallback != "/offline" {
		t.Fatalf("OfflineFallback 错误: %s", loaded.Worker.OfflineFallback)
	}
}

func TestLoadVersionFromEnvironment(t *testing.T) {
	t.Setenv(VersionEnv, "egitim-takip-v2")
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Worker.CacheVersion != "egitim-takip-v2" {
		t.Fatalf("环境变量应覆盖配置文件中的版本，得到 %s", cfg.Worker.CacheVersion)
	}
}

func TestLoadRejectsRelativePrecacheEntry(t *testing.T) {
	cfg := `
[Worker]
Origin = "http://127.0.0.1:5001"
Precache = ["/", "konu-takip"]
`
	_, err := Load(writeTempConfig(t, cfg))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("期望 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Worker.Precache[1]" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}
