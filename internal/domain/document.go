package domain

import (
	"strings"
	"time"
)

const (
	monthLayout = "2006-01"
	dayLayout   = "2006-01-02"
)

// QueryDocument is a saved query definition: the GraphQL body, default
// variables, optional transformer source, and the cache and freshness
// metadata attached by the document author. Documents are immutable once
// loaded; the pipeline only reads them.
type QueryDocument struct {
	ID              string
	Body            string
	Variables       map[string]any
	Index           string // freshness probe body; empty means no probe
	MonthIndex      string // per-month freshness probe body
	Month           bool   // results are partitioned by calendar month
	ClientSave      bool   // persist results to the local cache
	TransformerCode string
	URLKey          string // endpoint selector; empty means default endpoint
}

// Validate checks that the document is well-formed.
func (d *QueryDocument) Validate() error {
	if d.ID == "" {
		return ErrValidation("query document id is required")
	}
	if d.Body == "" {
		return ErrValidation("query document %q: body is required", d.ID)
	}
	if d.Month && !d.ClientSave {
		return ErrValidation("query document %q: month partitioning requires client_save", d.ID)
	}
	return nil
}

// HasProbe reports whether the document participates in freshness checks.
func (d *QueryDocument) HasProbe() bool {
	return d.Index != "" || d.MonthIndex != ""
}

// Endpoint is a resolved GraphQL endpoint and its bearer token.
type Endpoint struct {
	URL       string
	AuthToken string
}

// MonthWindow is an inclusive calendar-month range. Both bounds are
// normalized to the first instant of their month in UTC.
type MonthWindow struct {
	Start time.Time
	End   time.Time
}

// NewMonthWindow builds a window covering start's month through end's
// month inclusive.
func NewMonthWindow(start, end time.Time) (*MonthWindow, error) {
	s, e := monthStart(start), monthStart(end)
	if e.Before(s) {
		return nil, ErrValidation("month window end %s precedes start %s",
			e.Format(monthLayout), s.Format(monthLayout))
	}
	return &MonthWindow{Start: s, End: e}, nil
}

// ParseMonthWindow parses "YYYY-MM" bounds into a window.
func ParseMonthWindow(start, end string) (*MonthWindow, error) {
	s, err := time.Parse(monthLayout, start)
	if err != nil {
		return nil, ErrValidation("invalid start month %q: expected YYYY-MM", start)
	}
	e, err := time.Parse(monthLayout, end)
	if err != nil {
		return nil, ErrValidation("invalid end month %q: expected YYYY-MM", end)
	}
	return NewMonthWindow(s, e)
}

// MonthPrefix formats t's month as "YYYY-MM" in UTC.
func MonthPrefix(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

// Prefixes returns every month in the window as "YYYY-MM", ascending.
func (w *MonthWindow) Prefixes() []string {
	var out []string
	for cur := w.Start; !cur.After(w.End); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur.Format(monthLayout))
	}
	return out
}

// StartDate returns the first calendar day of the window as "YYYY-MM-DD".
func (w *MonthWindow) StartDate() string {
	return w.Start.Format(dayLayout)
}

// EndDate returns the last calendar day of the window as "YYYY-MM-DD".
// Day zero of the following month normalizes to the last day of End's
// month, which keeps 28/29/30/31-day months and year boundaries correct.
func (w *MonthWindow) EndDate() string {
	last := time.Date(w.End.Year(), w.End.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	return last.Format(dayLayout)
}

// Key returns a stable identifier for the window, e.g. "2025-01..2025-03".
// A nil window keys to the empty string.
func (w *MonthWindow) Key() string {
	if w == nil {
		return ""
	}
	return w.Start.Format(monthLayout) + ".." + w.End.Format(monthLayout)
}

// ParseWindowKey is the inverse of Key. An empty key yields a nil window.
func ParseWindowKey(key string) (*MonthWindow, error) {
	if key == "" {
		return nil, nil
	}
	start, end, ok := strings.Cut(key, "..")
	if !ok {
		return nil, ErrValidation("invalid window key %q: expected YYYY-MM..YYYY-MM", key)
	}
	return ParseMonthWindow(start, end)
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
