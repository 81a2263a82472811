package kpi

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

const (
	moneyPlaces   int32 = 2
	percentPlaces int32 = 2
)

var hundred = decimal.NewFromInt(100)

// partition accumulates the facts sharing a dimension key.
type partition struct {
	key    string
	amount decimal.Decimal
	count  int64
}

func (p *partition) add(f fact) {
	p.amount = p.amount.Add(f.amount)
	p.count++
}

// ratio divides num by den, defining x/0 as 0.
func ratio(num, den decimal.Decimal, places int32) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, places)
}

// percent returns part/whole*100, defining x/0 as 0.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, percentPlaces)
}

// metric evaluates a KPI for one partition. capacity is the number of
// available suite-days behind the partition.
type metric func(p partition, capacity decimal.Decimal, total partition) decimal.Decimal

func metricFor(kind Kind) metric {
	switch kind {
	case KindRevenue, KindRestaurantSales:
		return func(p partition, _ decimal.Decimal, _ partition) decimal.Decimal {
			return p.amount.Round(moneyPlaces)
		}
	case KindTicketAverage:
		return func(p partition, _ decimal.Decimal, _ partition) decimal.Decimal {
			return ratio(p.amount, decimal.NewFromInt(p.count), moneyPlaces)
		}
	case KindOccupancyRate:
		return func(p partition, capacity decimal.Decimal, _ partition) decimal.Decimal {
			return percent(decimal.NewFromInt(p.count), capacity)
		}
	case KindRevPAR, KindTrevPAR:
		return func(p partition, capacity decimal.Decimal, _ partition) decimal.Decimal {
			return ratio(p.amount, capacity, moneyPlaces)
		}
	case KindCleanings:
		return func(p partition, _ decimal.Decimal, _ partition) decimal.Decimal {
			return decimal.NewFromInt(p.count)
		}
	case KindRepresentativeness:
		return func(p partition, _ decimal.Decimal, total partition) decimal.Decimal {
			return percent(decimal.NewFromInt(p.count), decimal.NewFromInt(total.count))
		}
	}
	return func(partition, decimal.Decimal, partition) decimal.Decimal { return decimal.Zero }
}

func compute(kind Kind, dim Dimension, facts []fact, inventory map[string]int, rng period.Range, boundary period.Boundary) []AggregateRow {
	total := partition{}
	groups := make(map[string]*partition)
	if dim == DimensionDay {
		// Every business day of the range gets a row, even without records.
		first, last := boundary.Day(rng.Start), boundary.Day(rng.End)
		for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
			key := d.Format(dayLayout)
			groups[key] = &partition{key: key}
		}
	}
	for _, f := range facts {
		total.add(f)
		if dim == DimensionNone {
			continue
		}
		key := f.key(dim)
		g, ok := groups[key]
		if !ok {
			g = &partition{key: key}
			groups[key] = g
		}
		g.add(f)
	}

	totalSuites := 0
	for _, n := range inventory {
		totalSuites += n
	}
	days := int64(rng.Days())
	rangeCapacity := decimal.NewFromInt(int64(totalSuites) * days)

	eval := metricFor(kind)
	totalAll := eval(total, rangeCapacity, total)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]AggregateRow, 0, len(keys)+1)
	for _, k := range keys {
		g := groups[k]
		capacity := rangeCapacity
		switch dim {
		case DimensionSuiteCategory:
			capacity = decimal.NewFromInt(int64(inventory[k]) * days)
		case DimensionDay:
			capacity = decimal.NewFromInt(int64(totalSuites))
		}
		rows = append(rows, AggregateRow{
			DimensionKey:  DimensionKey(dim, k),
			Value:         eval(*g, capacity, total),
			Count:         g.count,
			TotalAllValue: totalAll,
			TotalCount:    total.count,
		})
	}
	rows = append(rows, AggregateRow{
		DimensionKey:  "",
		Value:         totalAll,
		Count:         total.count,
		TotalAllValue: totalAll,
		TotalCount:    total.count,
	})
	return rows
}
