// Package freshness probes remote endpoints for change markers and
// schedules pipeline refreshes when a marker moves.
package freshness

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"regexp"
	"sort"
	"sync"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/graphql"
)

// Fetcher runs probe queries against remote endpoints.
// Implemented by graphql.Client.
type Fetcher interface {
	Fetch(ctx context.Context, body string, variables map[string]any, endpoint domain.Endpoint) (json.RawMessage, error)
}

// Refresher schedules a background pipeline run for a changed query.
// Implemented by pipeline.Service.
type Refresher interface {
	ScheduleRefresh(queryID string, window *domain.MonthWindow, trigger string) bool
}

// Summary reports one detector sweep.
type Summary struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
}

// Detector compares freshness probes against stored markers and schedules
// at most one background refresh per changed query. Probes for the same
// query never overlap; a sweep that reaches a query mid-probe skips it.
type Detector struct {
	docs      domain.DocumentStore
	endpoints domain.EndpointResolver
	cache     domain.CacheRepository
	fetcher   Fetcher
	refresher Refresher
	logger    *slog.Logger

	mu      sync.Mutex
	probing map[string]struct{}
}

// NewDetector creates a freshness detector.
func NewDetector(
	docs domain.DocumentStore,
	endpoints domain.EndpointResolver,
	cache domain.CacheRepository,
	fetcher Fetcher,
	refresher Refresher,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		docs:      docs,
		endpoints: endpoints,
		cache:     cache,
		fetcher:   fetcher,
		refresher: refresher,
		logger:    logger.With("component", "freshness"),
		probing:   make(map[string]struct{}),
	}
}

// CheckAll probes every document that declares an index. A failing probe
// is logged and skipped so one bad endpoint cannot stall the sweep.
func (d *Detector) CheckAll(ctx context.Context) (Summary, error) {
	var summary Summary

	docs, err := d.docs.AllQueryDocuments(ctx)
	if err != nil {
		return summary, err
	}

	for i := range docs {
		doc := &docs[i]
		if !doc.HasProbe() {
			continue
		}
		summary.Checked++
		changed, err := d.check(ctx, doc)
		if err != nil {
			d.logger.Warn("freshness probe failed", "query_id", doc.ID, "error", err)
			continue
		}
		if changed {
			summary.Changed++
		}
	}

	d.logger.Info("freshness sweep complete",
		"checked", summary.Checked, "changed", summary.Changed)
	return summary, nil
}

// CheckQuery probes a single document and reports whether its marker moved.
func (d *Detector) CheckQuery(ctx context.Context, queryID string) (bool, error) {
	doc, err := d.docs.LoadQueryDocument(ctx, queryID)
	if err != nil {
		return false, err
	}
	if !doc.HasProbe() {
		return false, domain.ErrValidation("query %s has no freshness probe", queryID)
	}
	return d.check(ctx, doc)
}

func (d *Detector) check(ctx context.Context, doc *domain.QueryDocument) (bool, error) {
	if !d.begin(doc.ID) {
		return false, nil
	}
	defer d.end(doc.ID)

	logger := d.logger.With("query_id", doc.ID)

	endpoint, err := d.endpoints.Resolve(ctx, doc.URLKey)
	if err != nil {
		return false, err
	}

	// A missing or unreadable previous marker widens the refresh to the
	// full probed window.
	var previous json.RawMessage
	if stored, err := d.cache.LoadFreshnessMarker(ctx, doc.ID); err == nil && stored != nil {
		previous = stored.Value
	}

	value, err := d.markerValue(ctx, doc, endpoint)
	if err != nil {
		return false, err
	}

	changed, err := d.cache.SaveFreshnessMarker(ctx, doc.ID, value)
	if err != nil {
		return false, err
	}
	if !changed {
		logger.Debug("probe unchanged")
		return false, nil
	}

	window, err := refreshWindow(doc, previous, value)
	if err != nil {
		logger.Warn("marker changed but refresh window is unusable", "error", err)
		return true, nil
	}
	if doc.Month && window == nil {
		logger.Debug("marker changed but no month needs refreshing")
		return true, nil
	}
	if !d.refresher.ScheduleRefresh(doc.ID, window, domain.RunTriggerFreshness) {
		logger.Debug("refresh already in flight")
	}
	return true, nil
}

// markerValue builds the probe marker: a month-to-timestamp object for
// month-partitioned documents, otherwise the first scalar leaf of the
// first probe row. Markers are compared for equality, never interpreted,
// so any scalar that moves with the data serves.
func (d *Detector) markerValue(ctx context.Context, doc *domain.QueryDocument, endpoint domain.Endpoint) (json.RawMessage, error) {
	if doc.Month && doc.MonthIndex != "" {
		rows, err := d.probeRows(ctx, doc, doc.MonthIndex, endpoint)
		if err != nil {
			return nil, err
		}
		return json.Marshal(monthMarker(rows))
	}

	rows, err := d.probeRows(ctx, doc, doc.Index, endpoint)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scalarMarker(rows))
}

// probeRows runs a probe body and returns the rows of its first selection.
// Probes run with the document's own variables and no window injection:
// a month probe reports every month the remote currently has.
func (d *Detector) probeRows(ctx context.Context, doc *domain.QueryDocument, body string, endpoint domain.Endpoint) ([]domain.Row, error) {
	selections, err := graphql.Selections(body)
	if err != nil {
		return nil, err
	}
	data, err := d.fetcher.Fetch(ctx, body, doc.Variables, endpoint)
	if err != nil {
		return nil, err
	}
	result, err := graphql.ExtractResult(data, selections)
	if err != nil {
		return nil, err
	}
	return result[selections[0]], nil
}

func (d *Detector) begin(queryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.probing[queryID]; held {
		return false
	}
	d.probing[queryID] = struct{}{}
	return true
}

func (d *Detector) end(queryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.probing, queryID)
}

var monthShape = regexp.MustCompile(`^\d{4}-\d{2}$`)

// scalarMarker is the first scalar field of the first row, by sorted
// field name. An empty probe result markers as null.
func scalarMarker(rows []domain.Row) any {
	if len(rows) == 0 {
		return nil
	}
	for _, k := range sortedKeys(rows[0]) {
		if v := rows[0][k]; isScalar(v) {
			return v
		}
	}
	return nil
}

// monthMarker folds probe rows into a month-to-timestamp object. The month
// comes from a "month" field when present, otherwise the first
// "YYYY-MM"-shaped string in the row; the timestamp is the first remaining
// scalar. Rows without a recognizable month are dropped.
func monthMarker(rows []domain.Row) map[string]any {
	marker := make(map[string]any, len(rows))
	for _, row := range rows {
		month := monthField(row)
		if month == "" {
			continue
		}
		var ts any
		for _, k := range sortedKeys(row) {
			v := row[k]
			if s, ok := v.(string); ok && monthShape.MatchString(s) {
				continue
			}
			if isScalar(v) {
				ts = v
				break
			}
		}
		marker[month] = ts
	}
	return marker
}

func monthField(row domain.Row) string {
	if s, ok := row["month"].(string); ok && monthShape.MatchString(s) {
		return s
	}
	for _, k := range sortedKeys(row) {
		if s, ok := row[k].(string); ok && monthShape.MatchString(s) {
			return s
		}
	}
	return ""
}

// refreshWindow spans the months whose marker value moved. Unpartitioned
// documents refresh without a window. A month that disappeared remotely
// refreshes nothing by itself.
func refreshWindow(doc *domain.QueryDocument, previous, value json.RawMessage) (*domain.MonthWindow, error) {
	if !doc.Month {
		return nil, nil
	}

	var next map[string]any
	if err := json.Unmarshal(value, &next); err != nil {
		return nil, domain.ErrParse("month marker is not an object: %v", err)
	}
	prev := map[string]any{}
	if len(previous) > 0 {
		_ = json.Unmarshal(previous, &prev)
	}

	var months []string
	for month, ts := range next {
		if old, ok := prev[month]; ok && reflect.DeepEqual(old, ts) {
			continue
		}
		months = append(months, month)
	}
	if len(months) == 0 {
		return nil, nil
	}
	sort.Strings(months)
	return domain.ParseMonthWindow(months[0], months[len(months)-1])
}

func sortedKeys(row domain.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}
