// ABOUTME: JSON REST adapter for vendor, cloud, and wearable health APIs.
// ABOUTME: Handles bearer auth, rate limiting, pagination, and status classification.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/models"
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Source   models.Source
	BaseURL  string
	Token    string
	Metrics  []models.Metric
	Writable []models.Metric
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Client    *http.Client
	Logger    *slog.Logger
}

// HTTPAdapter talks to a platform exposing the sample REST API:
//
//	GET  {base}/v1/health
//	GET  {base}/v1/users/{user}/samples?metric=&from=&to=&page_token=
//	PUT  {base}/v1/users/{user}/samples/{id}
type HTTPAdapter struct {
	source   models.Source
	baseURL  string
	token    string
	metrics  []models.Metric
	writable map[models.Metric]bool
	limiter  *rate.Limiter
	client   *http.Client
	logger   *slog.Logger
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter validates cfg and builds the adapter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if _, err := models.ParseSource(string(cfg.Source)); err != nil || cfg.Source == models.SourceReconciled {
		return nil, fmt.Errorf("http adapter: invalid source %q", cfg.Source)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http adapter %s: invalid base url %q", cfg.Source, cfg.BaseURL)
	}

	a := &HTTPAdapter{
		source:   cfg.Source,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		metrics:  append([]models.Metric(nil), cfg.Metrics...),
		writable: make(map[models.Metric]bool),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		client:   cfg.Client,
		logger:   logging.OrDefault(cfg.Logger).With(logging.Component("adapter"), logging.Source(cfg.Source)),
	}
	if len(a.metrics) == 0 {
		a.metrics = append(a.metrics, models.AllMetrics...)
	}
	for _, m := range cfg.Writable {
		a.writable[m] = true
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 30 * time.Second}
	}
	return a, nil
}

// Source returns the platform this adapter serves.
func (a *HTTPAdapter) Source() models.Source {
	return a.source
}

// SupportedMetrics returns the metrics the platform serves.
func (a *HTTPAdapter) SupportedMetrics() []models.Metric {
	return append([]models.Metric(nil), a.metrics...)
}

// SupportsWrite reports whether write-back is enabled for metric.
func (a *HTTPAdapter) SupportsWrite(metric models.Metric) bool {
	return a.writable[metric]
}

// IsAvailable probes the health endpoint.
func (a *HTTPAdapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := a.newRequest(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("availability probe failed", logging.Err(err))
		return false
	}
	defer drain(resp)
	return resp.StatusCode == http.StatusOK
}

type wireSample struct {
	ID         string     `json:"id"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type fetchResponse struct {
	Samples       []wireSample `json:"samples"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// FetchSamples pages through the samples endpoint.
func (a *HTTPAdapter) FetchSamples(ctx context.Context, userID string, metric models.Metric, from, to time.Time) ([]models.Sample, error) {
	if !Supports(a, metric) {
		return nil, fmt.Errorf("fetch %s: %w", metric, models.ErrUnsupported)
	}

	path := "/v1/users/" + url.PathEscape(userID) + "/samples"
	var out []models.Sample
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("metric", string(metric))
		q.Set("from", from.UTC().Format(time.RFC3339))
		q.Set("to", to.UTC().Format(time.RFC3339))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var page fetchResponse
		if err := a.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", metric, err)
		}

		fetchedAt := time.Now().UTC()
		for _, w := range page.Samples {
			s, err := a.toSample(userID, metric, w, fetchedAt)
			if err != nil {
				a.logger.Warn("skipping sample", logging.Metric(metric), slog.String("id", w.ID), logging.Err(err))
				continue
			}
			if s.Intersects(from, to) {
				out = append(out, s)
			}
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// WriteSample pushes a value to the record addressed by s.SourceRecordID.
func (a *HTTPAdapter) WriteSample(ctx context.Context, userID string, s models.Sample) error {
	if !a.SupportsWrite(s.Metric) {
		return fmt.Errorf("write %s: %w", s.Metric, models.ErrUnsupported)
	}
	if s.SourceRecordID == "" {
		return fmt.Errorf("write %s: missing record id: %w", s.Metric, models.ErrRejected)
	}

	body := wireSample{ID: s.SourceRecordID, Value: s.Value, Unit: s.Unit, Start: s.Start.UTC()}
	if !s.IsPoint() {
		end := s.End.UTC()
		body.End = &end
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/samples/" + url.PathEscape(s.SourceRecordID)
	q := url.Values{}
	q.Set("metric", string(s.Metric))
	if err := a.do(ctx, http.MethodPut, path, q, body, nil); err != nil {
		return fmt.Errorf("write %s: %w", s.Metric, err)
	}
	return nil
}

func (a *HTTPAdapter) toSample(userID string, metric models.Metric, w wireSample, fetchedAt time.Time) (models.Sample, error) {
	value, err := toCanonical(metric, w.Value, w.Unit)
	if err != nil {
		return models.Sample{}, err
	}
	s := models.NewSample(userID, metric, value, w.Start, a.source, w.ID).WithRecordedAt(fetchedAt)
	if w.End != nil {
		s = s.WithWindow(w.Start, *w.End)
	}
	if w.RecordedAt != nil {
		s = s.WithRecordedAt(*w.RecordedAt)
	}
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return models.Sample{}, err
	}
	return s, nil
}

func (a *HTTPAdapter) newRequest(ctx context.Context, method, path string, q url.Values, body interface{}) (*http.Request, error) {
	u := a.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

// do performs one rate-limited request and decodes the JSON response into out.
func (a *HTTPAdapter) do(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limit: %w", models.ErrTransientIO)
	}

	req, err := a.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, models.ErrTransientIO)
	}
	defer drain(resp)

	if err := classifyStatus(method, resp.StatusCode); err != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d %s: %w", method, path, resp.StatusCode, strings.TrimSpace(string(msg)), err)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %v: %w", path, err, models.ErrTransientIO)
	}
	return nil
}

// classifyStatus maps an HTTP status onto the adapter error taxonomy.
func classifyStatus(method string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code >= 500 && code != http.StatusNotImplemented:
		return models.ErrTransientIO
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// Token expiry or refresh in progress.
		return models.ErrTransientIO
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusConflict:
		return models.ErrRejected
	case code == http.StatusNotImplemented, code == http.StatusMethodNotAllowed:
		return models.ErrUnsupported
	case code == http.StatusNotFound && method != http.MethodGet:
		return models.ErrUnsupported
	default:
		return models.ErrRejected
	}
}

// toCanonical converts common platform units to the metric's canonical unit.
func toCanonical(metric models.Metric, value float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" || u == metric.Unit() {
		return value, nil
	}
	switch metric {
	case models.MetricWeight:
		switch u {
		case "lb", "lbs":
			return value * 0.45359237, nil
		case "g":
			return value / 1000, nil
		}
	case models.MetricDistance:
		switch u {
		case "km":
			return value * 1000, nil
		case "mi":
			return value * 1609.344, nil
		}
	case models.MetricSleep:
		switch u {
		case "h", "hr", "hours":
			return value * 60, nil
		case "s", "sec":
			return value / 60, nil
		}
	case models.MetricNutrition, models.MetricCalories:
		if u == "kj" {
			return value / 4.184, nil
		}
	case models.MetricHeartRate:
		if u == "count/min" {
			return value, nil
		}
	case models.MetricSteps:
		if u == "count" {
			return value, nil
		}
	}
	return 0, fmt.Errorf("unit %q not convertible to %s", unit, metric.Unit())
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
