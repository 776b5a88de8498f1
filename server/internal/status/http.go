package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/backupbeacon/backupbeacon/server/internal/config"
)

const (
	defaultTimeout = 10 * time.Second

	// FreeSpaceMetric is the gauge family read from the metrics endpoint.
	FreeSpaceMetric = "backup_source_free_space_bytes"

	maxReportSize = 4 << 20
)

// HTTPSource reads reports from the backup service's HTTP API.
type HTTPSource struct {
	url        string
	metricsURL string
	client     *http.Client
}

// NewHTTPSource returns a Source for cfg. The HTTP client is built once and
// reused across calls.
func NewHTTPSource(cfg config.StatusSourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSource{
		url:        cfg.URL,
		metricsURL: cfg.MetricsURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Report fetches the status report and, when a metrics URL is configured,
// merges the free-space gauges into it.
func (s *HTTPSource) Report(ctx context.Context) (*Report, error) {
	rep, err := s.fetchReport(ctx)
	if err != nil {
		return nil, err
	}
	if s.metricsURL == "" {
		return rep, nil
	}

	mfs, err := fetchMetrics(ctx, s.client, s.metricsURL)
	if err != nil {
		slog.Warn("status: metrics unavailable, free space omitted",
			"url", s.metricsURL, "err", err)
		return rep, nil
	}
	for source, bytes := range freeSpace(mfs[FreeSpaceMetric]) {
		if rep.FreeSpace == nil {
			rep.FreeSpace = make(map[string]int64)
		}
		rep.FreeSpace[source] = bytes
	}
	return rep, nil
}

func (s *HTTPSource) fetchReport(ctx context.Context) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("status: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &HTTPError{URL: s.url, StatusCode: resp.StatusCode}
	}

	var rep Report
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReportSize)).Decode(&rep); err != nil {
		return nil, fmt.Errorf("status: decode report: %w", err)
	}
	return &rep, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// freeSpace reads one value per "source" label from a gauge or untyped
// family. Samples without the label or with a non-finite value are skipped.
func freeSpace(mf *dto.MetricFamily) map[string]int64 {
	out := make(map[string]int64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		source := labelValue(m, "source")
		if source == "" {
			continue
		}
		var v float64
		switch {
		case m.Gauge != nil:
			v = m.Gauge.GetValue()
		case m.Untyped != nil:
			v = m.Untyped.GetValue()
		default:
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		out[source] = int64(v)
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
