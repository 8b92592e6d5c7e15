package worker

import "errors"

var (
	// ErrInstallFailed 表示预缓存清单中至少一项拉取失败，当前版本不能被激活。
	ErrInstallFailed = errors.New("precache install failed")
	// ErrNetworkFailed 表示回源失败且没有可用的离线兜底。
	ErrNetworkFailed = errors.New("network fetch failed")
	// ErrNotActive 表示 worker 尚未激活，不能处理 fetch。
	ErrNotActive = errors.New("worker not active")
)
