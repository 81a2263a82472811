package kpi

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/lodgeboard/kpi-engine/internal/tenant"
)

// FormatValue renders a KPI value for display. Monetary KPIs configured with
// the currency format are rendered with the tenant's currency and locale;
// everything else is a plain fixed point number.
func FormatValue(t tenant.Tenant, kind Kind, v decimal.Decimal) string {
	if kind.Monetary() && t.OutputFormat(string(kind)) == tenant.FormatCurrency {
		if s, ok := formatCurrency(t.Currency, t.Locale, v); ok {
			return s
		}
	}
	if kind == KindCleanings {
		return v.StringFixed(0)
	}
	return v.StringFixed(moneyPlaces)
}

// formatCurrency takes the symbol and separators from the locale but the
// digits from the decimal itself; x/text formats amounts through float64.
func formatCurrency(iso, locale string, v decimal.Decimal) (string, bool) {
	unit, err := currency.ParseISO(iso)
	if err != nil {
		return "", false
	}
	tag := language.Und
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			tag = parsed
		}
	}
	p := message.NewPrinter(tag)
	scale, _ := currency.Standard.Rounding(unit)
	group, point := separators(p)
	digits := groupDigits(v.StringFixed(int32(scale)), group, point)
	return p.Sprint(currency.Symbol(unit)) + " " + digits, true
}

// separators reads the grouping and decimal marks the locale uses.
func separators(p *message.Printer) (group, point string) {
	s := p.Sprint(number.Decimal(1234567.5))
	i := strings.Index(s, "1")
	j := strings.Index(s, "234")
	k := strings.Index(s, "567")
	l := strings.LastIndex(s, "5")
	if i < 0 || j <= i || k <= j+3 || l <= k+3 {
		return ",", "."
	}
	return s[i+1 : j], s[k+3 : l]
}

func groupDigits(fixed, group, point string) string {
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteString(group)
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteString(point)
		b.WriteString(frac)
	}
	return b.String()
}
