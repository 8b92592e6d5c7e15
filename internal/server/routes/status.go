package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/egitim-takip/egitim-cache/internal/version"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// StatusSource 是 /-/status 需要的只读视图，*worker.Manager 实现了它。
type StatusSource interface {
	Version() string
	State() worker.State
	Manifest() []string
	Summaries(ctx context.Context) ([]worker.CacheSummary, error)
}

const statusTimeout = 5 * time.Second

type statusPayload struct {
	Build        string                `json:"build"`
	CacheVersion string                `json:"cache_version"`
	State        worker.State          `json:"state"`
	Manifest     []string              `json:"manifest"`
	Caches       []worker.CacheSummary `json:"caches"`
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口：当前缓存版本、生命周期阶段、预缓存清单与各缓存条目数。
func RegisterStatusRoutes(app *fiber.App, source StatusSource) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), statusTimeout)
		defer cancel()

		caches, err := source.Summaries(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "cache_unavailable",
				"detail": err.Error(),
			})
		}
		if caches == nil {
			caches = []worker.CacheSummary{}
		}
		return c.JSON(statusPayload{
			Build:        version.Full(),
			CacheVersion: source.Version(),
			State:        source.State(),
			Manifest:     source.Manifest(),
			Caches:       caches,
		})
	})
}
