// Package metrics exposes the upload pipeline's counters through a
// Prometheus-format /metrics endpoint when metrics.enabled is set
//. Grounded on reva's own opencensus + Prometheus-exporter
// dependencies (go.mod: contrib.go.opencensus.io/exporter/prometheus,
// go.opencensus.io), the same stack reva's own metrics package is built
// on, rather than introducing a separate client_golang dependency the
// corpus does not otherwise use.
package metrics

import (
	"context"
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	uploadsStarted  = stats.Int64("collector/uploads_started", "pre-requests that created a session", stats.UnitDimensionless)
	bytesReceived   = stats.Int64("collector/bytes_received", "bytes accepted by chunk appends", stats.UnitBytes)
	finalizesOK     = stats.Int64("collector/finalizes_ok", "uploads that reached Done", stats.UnitDimensionless)
	finalizesFailed = stats.Int64("collector/finalizes_failed", "uploads that moved to Aborted during finalize", stats.UnitDimensionless)

	keyStorageType, _ = tag.NewKey("storage_type")
)

// Register installs the collector's views with opencensus and returns an
// http.Handler serving them in Prometheus exposition format. Call once at
// startup, only when metrics.enabled is true.
func Register(namespace string) (http.Handler, error) {
	exporter, err := prometheus.NewExporter(prometheus.Options{Namespace: namespace})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(exporter)

	views := []*view.View{
		{Name: "uploads_started_total", Measure: uploadsStarted, Aggregation: view.Count(), TagKeys: []tag.Key{keyStorageType}},
		{Name: "bytes_received_total", Measure: bytesReceived, Aggregation: view.Sum(), TagKeys: []tag.Key{keyStorageType}},
		{Name: "finalizes_ok_total", Measure: finalizesOK, Aggregation: view.Count(), TagKeys: []tag.Key{keyStorageType}},
		{Name: "finalizes_failed_total", Measure: finalizesFailed, Aggregation: view.Count(), TagKeys: []tag.Key{keyStorageType}},
	}
	if err := view.Register(views...); err != nil {
		return nil, err
	}

	return exporter, nil
}

// UploadStarted records one successful pre-request.
func UploadStarted(storageType string) {
	record(storageType, uploadsStarted, 1)
}

// BytesReceived records n bytes accepted by a chunk append.
func BytesReceived(storageType string, n int64) {
	record(storageType, bytesReceived, n)
}

// FinalizeOK records one upload reaching Done.
func FinalizeOK(storageType string) {
	record(storageType, finalizesOK, 1)
}

// FinalizeFailed records one upload moving to Aborted during finalize.
func FinalizeFailed(storageType string) {
	record(storageType, finalizesFailed, 1)
}

func record(storageType string, m *stats.Int64Measure, n int64) {
	ctx, err := tag.New(context.Background(), tag.Upsert(keyStorageType, storageType))
	if err != nil {
		return
	}
	stats.Record(ctx, m.M(n))
}
