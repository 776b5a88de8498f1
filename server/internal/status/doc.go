// Package status queries the backup service for the facts the staleness
// worker needs.
//
// Source is the narrow interface the worker depends on. HTTPSource
// implements it against the backup service's HTTP API:
//
//	GET <url>          JSON status report (see Report)
//	GET <metrics_url>  optional Prometheus text exposition with
//	                   backup_source_free_space_bytes{source="..."} gauges
//
// A failed status request is returned as an error; *HTTPError carries the
// response code. IsTransient classifies errors that are expected while the
// backup service restarts (5xx and connection failures). A failed metrics
// request only drops the free-space figures from the report.
package status
