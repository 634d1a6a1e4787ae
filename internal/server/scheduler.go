package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

// Scheduler re-runs saved queries on their cron cadence. A redis lock keeps
// multiple server replicas from firing the same schedule.
type Scheduler struct {
	Store  *store.Store
	Briefs *BriefsHandler
	Rdb    *redis.Client
	Stop   chan struct{}
	Logger *log.Logger

	// Interval overrides the tick cadence in tests
	Interval time.Duration
}

func (s *Scheduler) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.DueSchedules(ctx)
	if err != nil {
		s.Logger.Printf("list schedules: %v", err)
		return
	}
	for _, sc := range schedules {
		if !isDue(sc.Cron, sc.LastRunAt) {
			continue
		}
		if s.Rdb != nil {
			lockKey := "sched:lock:" + sc.ID
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}
		profile, err := s.Store.GetUserProfile(ctx, sc.UserID)
		if err != nil {
			s.Logger.Printf("schedule %s: resolve profile: %v", sc.ID, err)
			continue
		}
		briefID, err := s.Briefs.Launch(ctx, sc.UserID, profile, BriefCreateRequest{Query: sc.Query})
		if err != nil {
			s.Logger.Printf("schedule %s: launch: %v", sc.ID, err)
			continue
		}
		if err := s.Store.TouchSchedule(ctx, sc.ID); err != nil {
			s.Logger.Printf("schedule %s: touch: %v", sc.ID, err)
		}
		s.Logger.Printf("schedule %s fired brief %s", sc.ID, briefID)
	}
}

// isDue determines if a schedule with cronSpec should run now given its last
// run time. Supports "@daily", "@hourly" and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// invalid spec behaves as @daily
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
