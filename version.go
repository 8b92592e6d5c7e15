package main

import (
	"fmt"

	"github.com/egitim-takip/egitim-cache/internal/version"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// printVersion 输出构建版本以及未配置时使用的缓存版本标签。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "default cache version: %s\n", worker.DefaultVersion)
}
