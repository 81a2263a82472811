package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgeboard/kpi-engine/internal/auth"
	"github.com/lodgeboard/kpi-engine/internal/kpi"
	kpihttp "github.com/lodgeboard/kpi-engine/internal/kpi/http"
	"github.com/lodgeboard/kpi-engine/internal/kpi/memory"
	"github.com/lodgeboard/kpi-engine/internal/observability"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/tenant"
	_ "github.com/lodgeboard/kpi-engine/internal/testing/guard"
	"github.com/lodgeboard/kpi-engine/jobs"
)

const testSecret = "router-secret"

type bookingSource struct{ bookings []kpi.Booking }

func (s bookingSource) Bookings(context.Context, int64, period.Range, kpi.Exclusions) ([]kpi.Booking, error) {
	return s.bookings, nil
}

func (bookingSource) Cleanings(context.Context, int64, period.Range) ([]kpi.Cleaning, error) {
	return nil, nil
}

func (bookingSource) RestaurantSales(context.Context, int64, period.Range) ([]kpi.RestaurantSale, error) {
	return nil, nil
}

func (bookingSource) SuiteInventory(context.Context, int64) ([]kpi.SuiteCategory, error) {
	return []kpi.SuiteCategory{{Name: "Standard", Suites: 4}}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	registry, err := tenant.NewRegistry(tenant.Tenant{ID: 1, Name: "Lounge", Service: "lounge", Currency: "BRL", Locale: "pt-BR"})
	require.NoError(t, err)

	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	src := bookingSource{bookings: []kpi.Booking{
		{ID: 1, SuiteCategory: "Standard", Channel: "direct", DateService: day, PriceRental: decimal.NewNullDecimal(decimal.NewFromInt(100))},
		{ID: 2, SuiteCategory: "Standard", Channel: "direct", DateService: day, PriceRental: decimal.NewNullDecimal(decimal.NewFromInt(300))},
	}}
	svc, err := kpi.NewService(kpi.Deps{
		Tenants: registry,
		Sources: map[int64]kpi.Source{1: src},
		Store:   memory.NewStore(),
		Now:     func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	return NewRouter(RouterParams{
		Config:     &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second},
		Verifier:   auth.NewVerifier(testSecret, ""),
		KPIHandler: kpihttp.NewHandler(nil, svc, nil),
		JobHandler: jobs.NewHandler(nil, nil),
		Metrics:    observability.NewMetrics(),
	})
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, "", auth.Principal{CompanyID: 1, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestRouterHealthAndMetricsArePublic(t *testing.T) {
	router := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kpi_http_requests_total")
}

func TestRouterRequiresToken(t *testing.T) {
	router := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/kpi/revenue?period=LAST_7_D", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/kpi/revenue?period=LAST_7_D", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouterComputesTicketAverage(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/kpi/ticket_average?period=LAST_7_D", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		Rows []struct {
			Value string `json:"value"`
			Count int64  `json:"count"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Rows, 1)
	assert.Equal(t, "200", body.Rows[0].Value)
	assert.Equal(t, int64(2), body.Rows[0].Count)

	req = httptest.NewRequest(http.MethodGet, "/kpi/ticket_average/snapshots", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token(t, auth.RoleViewer)})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("ETag"))
}

func TestRouterJobsRequireAdmin(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/health", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleManager))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/health", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleAdmin))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouterUnknownRouteIsProblem(t *testing.T) {
	router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
