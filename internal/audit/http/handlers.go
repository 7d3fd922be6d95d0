package audithttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sitekeeper/sitekeeper/internal/audit"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
)

const (
	defaultLimit = 100
	exportLimit  = audit.Capacity
)

// Querier reads the audit ledger.
type Querier interface {
	Query(f audit.Filter) []audit.Event
	SecurityEvents(limit int) []audit.Event
}

// Handler serves the audit ledger to administrators.
type Handler struct {
	logger *slog.Logger
	log    Querier
	now    func() time.Time
}

// NewHandler creates an audit handler.
func NewHandler(logger *slog.Logger, log Querier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, log: log, now: time.Now}
}

type eventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r, defaultLimit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events := h.log.Query(filter)
	httpx.JSON(w, http.StatusOK, eventsResponse{Events: nonNil(events), Count: len(events)})
}

func (h *Handler) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultLimit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events := h.log.SecurityEvents(limit)
	httpx.JSON(w, http.StatusOK, eventsResponse{Events: nonNil(events), Count: len(events)})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r, exportLimit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events := h.log.Query(filter)
	filename := "audit-" + h.now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.Header().Set("Cache-Control", "no-store")
	if err := audit.ExportCSV(w, events); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilter(r *http.Request, fallbackLimit int) (audit.Filter, error) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), fallbackLimit)
	if err != nil {
		return audit.Filter{}, err
	}
	filter := audit.Filter{
		Type:   audit.EventType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		UserID: strings.TrimSpace(q.Get("user")),
		Limit:  limit,
	}
	if sev := strings.ToUpper(strings.TrimSpace(q.Get("min_severity"))); sev != "" {
		filter.MinSeverity = audit.Severity(sev)
		if filter.MinSeverity.Rank() == 0 {
			return audit.Filter{}, validationError("min_severity")
		}
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		at, err := parseTime(since)
		if err != nil {
			return audit.Filter{}, validationError("since")
		}
		filter.Since = at
	}
	return filter, nil
}

func parseLimit(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, validationError("limit")
	}
	if n > audit.Capacity {
		n = audit.Capacity
	}
	return n, nil
}

func parseTime(raw string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at, nil
	}
	return time.Parse("2006-01-02", raw)
}

func nonNil(events []audit.Event) []audit.Event {
	if events == nil {
		return []audit.Event{}
	}
	return events
}

type validationError string

func (v validationError) Error() string {
	return "invalid " + string(v)
}

func (v validationError) Unwrap() error {
	return httpx.ErrValidation
}
