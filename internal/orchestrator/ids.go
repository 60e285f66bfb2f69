package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// idGenerator mints job ids of the form job_<13-digit unix millis>.
// Zero padding keeps lexicographic order equal to chronological order,
// and bumping on same-millisecond collisions keeps ids strictly
// increasing even under rapid submission.
type idGenerator struct {
	mu     sync.Mutex
	lastMS int64
	now    func() time.Time
}

func newIDGenerator() *idGenerator {
	return &idGenerator{now: time.Now}
}

func (g *idGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.lastMS {
		ms = g.lastMS + 1
	}
	g.lastMS = ms
	return fmt.Sprintf("job_%013d", ms)
}
