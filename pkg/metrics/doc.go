/*
Package metrics defines and exposes herd's Prometheus metrics: cluster
membership and epoch gauges, sock-pool sizing/miss counters, gateway
fan-out latency and failover counters, farm save/load dedup counters,
and the raft driver's leader gauge. Handler() serves them over HTTP for
scraping; NewTimer/ObserveDuration time an operation against a
histogram.

# Health

Alongside metrics, this package owns a small in-process health
registry (RegisterComponent/UpdateComponent, HealthHandler/
ReadyHandler/LivenessHandler) independent of Prometheus: readiness
checks "cluster" and "store" as the critical components a node needs
before it can serve requests (see cmd/herd's registration calls at
startup).

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GatewayWriteDuration)

	metrics.RegisterComponent("cluster", false, "joining")
	// ... once joined:
	metrics.UpdateComponent("cluster", true, "")

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())
	http.HandleFunc("/readyz", metrics.ReadyHandler())
*/
package metrics
