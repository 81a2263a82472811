package kpihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/lodgeboard/kpi-engine/internal/auth"
	"github.com/lodgeboard/kpi-engine/internal/kpi"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/platform/httpx"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxSnapshotLimit      = 1000
)

// KPIService is the computation contract used by the handler.
type KPIService interface {
	Compute(ctx context.Context, q kpi.Query) (kpi.Result, error)
	ListSnapshots(ctx context.Context, filter kpi.SnapshotFilter) ([]kpi.AggregateRow, error)
}

// RefreshEnqueuer schedules an asynchronous refresh and returns its task id.
type RefreshEnqueuer interface {
	EnqueueKPIRefresh(ctx context.Context, companyIDs []int64, tags []period.Tag) (string, error)
}

// Handler serves KPI endpoints.
type Handler struct {
	logger   *slog.Logger
	service  KPIService
	enqueuer RefreshEnqueuer
	timeout  time.Duration
}

// NewHandler constructs the KPI HTTP handler. enqueuer may be nil, in which
// case refresh requests are rejected as unavailable.
func NewHandler(logger *slog.Logger, service KPIService, enqueuer RefreshEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, timeout: defaultRequestTimeout}
}

// WithTimeout overrides the per request computation timeout.
func (h *Handler) WithTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

type rowResponse struct {
	kpi.AggregateRow
	FormattedValue string `json:"formattedValue"`
}

type computeResponse struct {
	KPI        kpi.Kind      `json:"kpi"`
	Period     period.Tag    `json:"period"`
	RangeStart time.Time     `json:"rangeStart"`
	RangeEnd   time.Time     `json:"rangeEnd"`
	Rows       []rowResponse `json:"rows"`
}

func (h *Handler) handleCompute(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", auth.ErrMissingToken.Error())
		return
	}
	rawKind := chi.URLParam(r, "kind")
	kind, err := kpi.ParseKind(rawKind)
	if err != nil {
		h.respondKPIError(w, r, kpi.Kind(rawKind), err)
		return
	}

	q := r.URL.Query()
	dim, err := kpi.ParseDimension(q.Get("dimension"))
	if err != nil {
		h.respondKPIError(w, r, kind, err)
		return
	}
	var tag period.Tag
	if raw := strings.TrimSpace(q.Get("period")); raw != "" {
		if tag, err = period.ParseTag(raw); err != nil {
			h.respondKPIError(w, r, kind, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.service.Compute(ctx, kpi.Query{
		CompanyID: principal.CompanyID,
		Kind:      kind,
		Dimension: dim,
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
		Period:    tag,
	})
	if err != nil {
		h.respondKPIError(w, r, kind, err)
		return
	}

	out := computeResponse{
		KPI:        kind,
		Period:     res.Range.Tag,
		RangeStart: res.Range.Start,
		RangeEnd:   res.Range.End,
		Rows:       make([]rowResponse, 0, len(res.Rows)),
	}
	for _, row := range res.Rows {
		out.Rows = append(out.Rows, rowResponse{AggregateRow: row, FormattedValue: kpi.FormatValue(res.Tenant, kind, row.Value)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", auth.ErrMissingToken.Error())
		return
	}
	rawKind := chi.URLParam(r, "kind")
	kind, err := kpi.ParseKind(rawKind)
	if err != nil {
		h.respondKPIError(w, r, kpi.Kind(rawKind), err)
		return
	}
	filter, err := parseSnapshotFilter(r, principal.CompanyID, kind)
	if err != nil {
		h.respondKPIError(w, r, kind, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	rows, err := h.service.ListSnapshots(ctx, filter)
	if err != nil {
		h.respondKPIError(w, r, kind, err)
		return
	}

	body, err := json.Marshal(rows)
	if err != nil {
		h.respondKPIError(w, r, kind, err)
		return
	}
	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

func parseSnapshotFilter(r *http.Request, companyID int64, kind kpi.Kind) (kpi.SnapshotFilter, error) {
	q := r.URL.Query()
	filter := kpi.SnapshotFilter{CompanyID: companyID, KPI: kind}
	if raw := strings.TrimSpace(q.Get("period")); raw != "" {
		tag, err := period.ParseTag(raw)
		if err != nil {
			return filter, err
		}
		filter.Period = tag
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		from, err := period.ParseDate(raw)
		if err != nil {
			return filter, err
		}
		filter.From = from
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		to, err := period.ParseDate(raw)
		if err != nil {
			return filter, err
		}
		filter.To = to
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return filter, period.ErrRangeInverted
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation)
		}
		if limit > maxSnapshotLimit {
			limit = maxSnapshotLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

type refreshRequest struct {
	Periods []string `json:"periods"`
}

type refreshResponse struct {
	TaskID  string       `json:"taskId"`
	Periods []period.Tag `json:"periods"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", auth.ErrMissingToken.Error())
		return
	}
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "refresh queue not configured")
		return
	}

	var req refreshRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
			return
		}
	}
	tags := make([]period.Tag, 0, len(req.Periods))
	for _, raw := range req.Periods {
		tag, err := period.ParseTag(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		if tag == period.Custom {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "CUSTOM periods cannot be refreshed")
			return
		}
		tags = append(tags, tag)
	}

	id, err := h.enqueuer.EnqueueKPIRefresh(r.Context(), []int64{principal.CompanyID}, tags)
	if err != nil {
		h.logger.Error("enqueue kpi refresh", slog.Int64("company_id", principal.CompanyID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "failed to enqueue refresh")
		return
	}
	if len(tags) == 0 {
		tags = period.Symbolic()
	}
	httpx.JSON(w, http.StatusAccepted, refreshResponse{TaskID: id, Periods: tags})
}

// statusFor maps KPI errors to status codes: caller input is 400, missing
// data 404 and everything else 500.
func statusFor(err error) int {
	switch {
	case kpi.IsInput(err), errors.Is(err, httpx.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, kpi.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondKPIError(w http.ResponseWriter, r *http.Request, kind kpi.Kind, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("kpi request failed",
			slog.String("path", r.URL.Path),
			slog.String("kpi", string(kind)),
			slog.Any("error", err))
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Status:   status,
		Title:    http.StatusText(status),
		Detail:   fmt.Sprintf("Failed to create all %s: %v", kind.Label(), err),
		Instance: r.URL.Path,
	})
}
