package batch

import "sync"

type progress struct {
	mu     sync.Mutex
	total  int
	done   int
	report func(pct float64)
}

func newProgress(total int, report func(pct float64)) *progress {
	return &progress{total: total, report: report}
}

// step marks one task settled and reports the rounded percentage. Calls are
// serialised so the callback observes a non decreasing sequence.
func (p *progress) step() {
	if p.report == nil || p.total == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	pct := float64(p.done*10000/p.total) / 100
	p.report(pct)
}
