// Package kpihttp exposes KPI computation over HTTP.
package kpihttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/lodgeboard/kpi-engine/internal/auth"
	"github.com/lodgeboard/kpi-engine/internal/platform/httpx"
)

// MountRoutes registers the KPI endpoints. The caller is expected to have
// installed auth.Middleware on r.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	refreshLimiter := httprate.Limit(5, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "refresh rate limit exceeded")
		}),
	)

	r.Get("/kpi/{kind}", h.handleCompute)
	r.Get("/kpi/{kind}/snapshots", h.handleSnapshots)
	r.Group(func(gr chi.Router) {
		gr.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleManager))
		gr.Use(refreshLimiter)
		gr.Post("/kpi/refresh", h.handleRefresh)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := auth.FromContext(r.Context()); ok && p.CompanyID > 0 {
		return "company:" + strconv.FormatInt(p.CompanyID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
