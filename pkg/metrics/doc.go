/*
Package metrics exposes Prometheus collectors for the runtime's operational
signals: credential renewals, session connectivity and reconnects, command
outcomes and latency, and state-cache update results.

Call Register once at startup and serve Handler() wherever the host
application exposes metrics.
*/
package metrics
