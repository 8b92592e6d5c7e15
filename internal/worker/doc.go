// Package worker implements the offline cache manager for the egitim-takip
// site. It mirrors the three lifecycle hooks of a browser service worker as
// an explicit Lifecycle interface: OnInstall pre-caches the manifest into the
// cache named by the version tag, OnFetch serves cache-first with a network
// fallback, and OnActivate deletes every cache generation that does not match
// the version tag. The host (the Fiber server wired up in main) decides when each
// hook runs; the hooks only share state through cache.Storage.
package worker
