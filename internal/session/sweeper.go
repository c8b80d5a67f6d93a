package session

import (
	"context"
	"log"
	"time"

	"github.com/sasaki2110/morizo/internal/observability"
)

// Sweeper periodically reaps expired sessions and paused states. Expiry is
// the only passive cancellation point in the system: a paused confirmation
// that outlives its TTL simply stops being resumable.
type Sweeper struct {
	Store    Store
	Interval time.Duration
	MaxAge   time.Duration
	Logger   *observability.Logger
}

func NewSweeper(store Store, interval, maxAge time.Duration, logger *observability.Logger) *Sweeper {
	return &Sweeper{
		Store:    store,
		Interval: interval,
		MaxAge:   maxAge,
		Logger:   logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Session sweeper started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	sessions, paused, err := s.Store.SweepExpired(ctx, s.MaxAge)
	if err != nil {
		log.Printf("Error sweeping expired sessions: %v", err)
		return
	}
	if sessions > 0 || paused > 0 {
		s.Logger.LogSweep(sessions, paused)
	}
}
