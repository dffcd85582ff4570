package server

import (
	"context"
	"log"
	"time"

	"teammanage/internal/engine"
)

// accountSweeper periodically removes accounts that never completed
// verification. TTL and interval come from the cleanup config section.
type accountSweeper struct {
	engine   engine.Engine
	ttl      time.Duration
	interval time.Duration
}

// StartAccountSweeper launches the background sweep loop, which stops when
// ctx is cancelled. It is a no-op when the engine carries no config.
func StartAccountSweeper(ctx context.Context, e engine.Engine) {
	if e.Config == nil {
		return
	}
	ttl, err := e.Config.UnverifiedTTL()
	if err != nil {
		log.Printf("cleanup: invalid unverified_ttl, sweeper disabled: %v", err)
		return
	}
	interval, err := e.Config.CleanupInterval()
	if err != nil {
		log.Printf("cleanup: invalid interval, sweeper disabled: %v", err)
		return
	}
	s := &accountSweeper{engine: e, ttl: ttl, interval: interval}
	go s.run(ctx)
}

func (s *accountSweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *accountSweeper) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()
	if s.engine.Now != nil {
		now = s.engine.Now()
	}
	cutoff := now.Add(-s.ttl).Format(time.RFC3339)
	n, err := s.engine.Repo.DeleteUnverifiedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("cleanup: delete unverified accounts failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("cleanup: removed %d unverified accounts older than %s", n, s.ttl)
	}
}
