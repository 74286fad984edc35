// Package di provides dependency injection configuration for the
// transcoder service's worker and API binaries.
package di

import (
	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/di/providers"
)

// NewContainer creates and configures the DI container with all providers.
// Providers are lazy: nothing is constructed until a do.MustInvoke
// forces it.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)

	// Database and storage layer
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideObjectStore)
	do.Provide(injector, providers.ProvideRedisClient)
	do.Provide(injector, providers.ProvideCache)

	// Messaging layer
	do.Provide(injector, providers.ProvideBroker)
	do.Provide(injector, providers.ProvideQueues)

	// Encoding
	do.Provide(injector, providers.ProvideEncoder)

	// Workers
	do.Provide(injector, providers.ProvideIntakeWorker)
	do.Provide(injector, providers.ProvideBitrateWorkers)
	do.Provide(injector, providers.ProvideMasterWorker)
	do.Provide(injector, providers.ProvideDeletionWorker)

	// Streaming API server
	do.Provide(injector, providers.ProvideStreamAPIServer)
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}
