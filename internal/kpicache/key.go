package kpicache

import (
	"strconv"
	"strings"
	"time"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

const instantLayout = "2006-01-02T15:04:05.000Z07:00"

// Key identifies a cached computation. Every field takes part in the
// rendered key, so requests that differ in tenant, KPI, grouping, period or
// range never collide.
type Key struct {
	Service   string
	CompanyID int64
	KPI       string
	Dimension string
	Period    period.Tag
	Start     time.Time
	End       time.Time
}

func (k Key) String() string {
	dim := k.Dimension
	if dim == "" {
		dim = "-"
	}
	return strings.Join([]string{
		TenantPrefix(k.Service, k.CompanyID) + k.KPI,
		dim,
		string(k.Period),
		k.Start.UTC().Format(instantLayout),
		k.End.UTC().Format(instantLayout),
	}, "|")
}

// TenantPrefix is the leading part shared by every key of a tenant.
func TenantPrefix(service string, companyID int64) string {
	return service + ":" + strconv.FormatInt(companyID, 10) + ":"
}
