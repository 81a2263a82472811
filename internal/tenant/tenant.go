// Package tenant holds the per business unit configuration that used to be
// spread across copy-pasted services.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

// Output formats for KPI values.
const (
	FormatDecimal  = "decimal"
	FormatCurrency = "currency"
)

// ErrDuplicate indicates two tenants sharing an id.
var ErrDuplicate = errors.New("tenant: duplicate id")

// Tenant describes one business unit.
type Tenant struct {
	ID                   int64             `yaml:"id" validate:"required,gt=0"`
	Name                 string            `yaml:"name" validate:"required"`
	Service              string            `yaml:"service" validate:"required,printascii,excludesall=:"`
	SourceDSN            string            `yaml:"source_dsn"`
	BusinessDayStartHour *int              `yaml:"business_day_start_hour" validate:"omitempty,min=0,max=23"`
	Timezone             string            `yaml:"timezone" validate:"omitempty,timezone"`
	ExcludeCanceled      bool              `yaml:"exclude_canceled"`
	RequireRentalPrice   bool              `yaml:"require_rental_price"`
	Currency             string            `yaml:"currency" validate:"omitempty,iso4217"`
	Locale               string            `yaml:"locale" validate:"omitempty,bcp47_language_tag"`
	OutputFormats        map[string]string `yaml:"output_formats" validate:"omitempty,dive,keys,required,endkeys,oneof=decimal currency"`
	Concurrency          int               `yaml:"concurrency" validate:"omitempty,gte=1"`
}

// Boundary returns the business-day boundary of the tenant.
func (t Tenant) Boundary() period.Boundary {
	hour := 0
	if t.BusinessDayStartHour != nil {
		hour = *t.BusinessDayStartHour
	}
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	return period.NewBoundary(hour, loc)
}

// OutputFormat returns the configured format for a KPI name.
func (t Tenant) OutputFormat(kpi string) string {
	if f, ok := t.OutputFormats[kpi]; ok {
		return f
	}
	return FormatDecimal
}

// PoolName is the limiter pool guarding the tenant's operational store.
func (t Tenant) PoolName() string {
	return "source:" + t.Service
}

// Defaults fill unset tenant fields.
type Defaults struct {
	BusinessDayStartHour int
	Currency             string
	Locale               string
}

// Registry is an immutable lookup of tenants by company id.
type Registry struct {
	byID map[int64]Tenant
	ids  []int64
}

// NewRegistry validates tenants and indexes them.
func NewRegistry(tenants ...Tenant) (*Registry, error) {
	v := validator.New()
	reg := &Registry{byID: make(map[int64]Tenant, len(tenants))}
	for _, t := range tenants {
		if err := v.Struct(t); err != nil {
			return nil, fmt.Errorf("tenant %d (%s): %w", t.ID, t.Name, err)
		}
		if _, exists := reg.byID[t.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicate, t.ID)
		}
		reg.byID[t.ID] = t
		reg.ids = append(reg.ids, t.ID)
	}
	sort.Slice(reg.ids, func(i, j int) bool { return reg.ids[i] < reg.ids[j] })
	return reg, nil
}

type file struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Load reads a YAML tenants file and applies defaults.
func Load(path string, defaults Defaults) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read %s: %w", path, err)
	}
	return Parse(raw, defaults)
}

// Parse decodes a YAML tenants document and applies defaults.
func Parse(raw []byte, defaults Defaults) (*Registry, error) {
	var doc file
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tenant: decode: %w", err)
	}
	for i := range doc.Tenants {
		t := &doc.Tenants[i]
		t.Service = strings.ToLower(strings.TrimSpace(t.Service))
		if t.BusinessDayStartHour == nil {
			hour := defaults.BusinessDayStartHour
			t.BusinessDayStartHour = &hour
		}
		if t.Currency == "" {
			t.Currency = defaults.Currency
		}
		if t.Locale == "" {
			t.Locale = defaults.Locale
		}
	}
	return NewRegistry(doc.Tenants...)
}

// Get returns the tenant for a company id.
func (r *Registry) Get(companyID int64) (Tenant, bool) {
	if r == nil {
		return Tenant{}, false
	}
	t, ok := r.byID[companyID]
	return t, ok
}

// All returns every tenant ordered by id.
func (r *Registry) All() []Tenant {
	if r == nil {
		return nil
	}
	out := make([]Tenant, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}
