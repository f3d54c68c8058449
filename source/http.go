/*
Package source implements the External Source Adapter.

PURPOSE:
  Fetches the external results page and turns it into the raw shapes the
  Reconciler consumes. The adapter never writes anywhere and never panics:
  transport failures, bad statuses, malformed payloads and parser panics all
  come back as *results.SourceError.

WIRE FORMAT:
  GET {base}/month?year=2025&month=10  (text/csv)
    DATE,Desawar,Faridabad,Ghaziabad,Gali
    2025-10-01,07,XX,,45
    2,11,22,33,44            <- a bare day of month is accepted too
  GET {base}/live  (text/csv)
    category,value
    Gali,45

  Cells are kept verbatim; validation happens in the Reconciler.

SEE ALSO:
  - cache.go: TTL cache with in-flight coalescing in front of HTTP
  - results/reconciler.go: consumer
*/
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/metrics"
	"github.com/warp/results-engine/results"
)

const (
	KindMonth = "month"
	KindLive  = "live"

	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 4 << 20
)

var log = logging.Component("source")

// HTTP fetches the external page over HTTP.
type HTTP struct {
	baseURL   string
	client    *http.Client
	userAgent string
	clock     results.Clock
}

// Options configures HTTP.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Clock     results.Clock
}

// NewHTTP creates an HTTP source.
func NewHTTP(opts Options) (*HTTP, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "results-engine/1.0"
	}
	clock := opts.Clock
	if clock == nil {
		clock = results.SystemClock{}
	}
	return &HTTP{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
		clock:     clock,
	}, nil
}

// Fetch returns the page for one month.
func (h *HTTP) Fetch(ctx context.Context, year int, month time.Month) (grid *results.RawGrid, err error) {
	defer h.observe(KindMonth, &err)
	defer recoverTo(KindMonth, &err)

	key := results.NewMonthKey(year, month)
	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	q.Set("month", fmt.Sprintf("%02d", int(month)))

	body, err := h.get(ctx, h.baseURL+"/month?"+q.Encode())
	if err != nil {
		return nil, &results.SourceError{Kind: KindMonth, Err: err}
	}
	defer body.Close()

	grid, err = ParseMonth(body, key)
	if err != nil {
		return nil, &results.SourceError{Kind: KindMonth, Err: err}
	}
	return grid, nil
}

// FetchLive returns today's published values.
func (h *HTTP) FetchLive(ctx context.Context) (live *results.RawLiveResults, err error) {
	defer h.observe(KindLive, &err)
	defer recoverTo(KindLive, &err)

	body, err := h.get(ctx, h.baseURL+"/live")
	if err != nil {
		return nil, &results.SourceError{Kind: KindLive, Err: err}
	}
	defer body.Close()

	cells, err := ParseLive(body)
	if err != nil {
		return nil, &results.SourceError{Kind: KindLive, Err: err}
	}
	return &results.RawLiveResults{Cells: cells, FetchedAt: h.clock.Now().UTC()}, nil
}

func (h *HTTP) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxBodyBytes), resp.Body}, nil
}

func (h *HTTP) observe(kind string, err *error) {
	switch {
	case *err == nil:
		metrics.SourceFetches.WithLabelValues(kind, metrics.OutcomeOK).Inc()
	case errors.Is(*err, context.DeadlineExceeded):
		metrics.SourceFetches.WithLabelValues(kind, metrics.OutcomeTimeout).Inc()
	default:
		metrics.SourceFetches.WithLabelValues(kind, metrics.OutcomeError).Inc()
		log.Debug("fetch failed", "kind", kind, "error", *err)
	}
}

// recoverTo turns a parser panic into a SourceError.
func recoverTo(kind string, err *error) {
	if r := recover(); r != nil {
		*err = &results.SourceError{Kind: kind, Err: fmt.Errorf("panic: %v", r)}
	}
}

// =============================================================================
// PARSING
// =============================================================================

// ParseMonth reads the month CSV. The first column is the date, either
// "YYYY-MM-DD" inside key or a bare day of month. Rows with unusable dates
// are skipped.
func ParseMonth(r io.Reader, key results.MonthKey) (*results.RawGrid, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &results.RawGrid{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || !strings.EqualFold(strings.TrimSpace(header[0]), "date") {
		return nil, fmt.Errorf("first column must be DATE, got %q", header)
	}

	grid := &results.RawGrid{}
	for _, col := range header[1:] {
		grid.Columns = append(grid.Columns, strings.TrimSpace(col))
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		date, ok := rowDate(rec[0], key)
		if !ok {
			log.Debug("skipping row with unusable date", "month", key, "date", rec[0])
			continue
		}
		row := results.RawRow{Date: date, Cells: make(map[string]string, len(grid.Columns))}
		for i, col := range grid.Columns {
			if i+1 < len(rec) {
				row.Cells[col] = strings.TrimSpace(rec[i+1])
			}
		}
		grid.Rows = append(grid.Rows, row)
	}
	return grid, nil
}

func rowDate(raw string, key results.MonthKey) (results.Date, bool) {
	raw = strings.TrimSpace(raw)
	if d, err := results.ParseDate(raw); err == nil {
		return d, d.MonthKey() == key
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > key.DaysIn() {
		return "", false
	}
	return key.Date(n), true
}

// ParseLive reads the live CSV of (category, value) pairs.
func ParseLive(r io.Reader) (map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	recs, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read live results: %w", err)
	}
	cells := make(map[string]string)
	for i, rec := range recs {
		if len(rec) < 2 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if i == 0 && strings.EqualFold(name, "category") {
			continue
		}
		cells[name] = strings.TrimSpace(rec[1])
	}
	return cells, nil
}
