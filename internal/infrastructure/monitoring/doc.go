/*
Package monitoring provides Prometheus metrics for the coupling runtime.

# Overview

Collectors are registered against an injected prometheus.Registerer, so a
process can expose them on its status server and tests can use private
registries. Every recording method accepts a nil *Metrics.

# Metrics

- coupling messages by channel, direction and type
- objects received, published and dropped (by reason)
- connect attempts by result, active sessions, running workers
- prepare-cycle duration and arena allocator state
- status server HTTP requests

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "orchestrator", "connect")
	// ... perform operation ...
	timer.Stop("success")
*/
package monitoring
