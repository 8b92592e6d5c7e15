package config

import (
	"testing"
	"time"

	"github.com/egitim-takip/egitim-cache/internal/worker"
)

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStoreDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		path      string
		shouldErr bool
	}{
		{"fs ok", "fs", "./data", false},
		{"sqlite ok", "sqlite", "./data", false},
		{"memory without path", "memory", "", false},
		{"fs without path", "fs", "", true},
		{"unsupported driver", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StoreDriver = tc.driver
			cfg.Global.StoragePath = tc.path
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestCacheVersionValidation(t *testing.T) {
	testCases := []struct {
		version   string
		shouldErr bool
	}{
		{"egitim-takip-v1", false},
		{"egitim-takip-2026.10", false},
		{"", true},
		{"..", true},
		{"v1/../../etc", true},
		{"egitim takip", true},
	}
	for _, tc := range testCases {
		cfg := validConfig()
		cfg.Worker.CacheVersion = tc.version
		err := cfg.Validate()
		if tc.shouldErr && err == nil {
			t.Fatalf("expected error for version %q", tc.version)
		}
		if !tc.shouldErr && err != nil {
			t.Fatalf("unexpected error for version %q: %v", tc.version, err)
		}
	}
}

func TestValidateOrigin(t *testing.T) {
	for _, origin := range []string{"", "ftp://egitim.local", "http://", "http://egitim.local/?a=1"} {
		cfg := validConfig()
		cfg.Worker.Origin = origin
		if err := cfg.Validate(); err == nil {
			t.Fatalf("非法源站 %q 应报错", origin)
		}
	}
}

func TestValidateRejectsDuplicatePrecache(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Precache = []string{"/", "/konu-takip", "/konu-takip"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的预缓存条目应报错")
	}
}

func TestValidateAllowsEmptyPrecache(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Precache = []string{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("空清单应允许: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StoreDriver:     "fs",
			UpstreamTimeout: Duration(time.Second),
		},
		Worker: WorkerConfig{
			CacheVersion:    "egitim-takip-v1",
			Origin:          "http://127.0.0.1:5001",
			Precache:        worker.DefaultManifest(),
			OfflineFallback: "/",
		},
	}
}
