// Package sweep expires tasks whose deadline has passed.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"realquest/internal/engine"
)

const defaultInterval = 60 * time.Second

// Expirer is the part of engine.Engine a sweep drives.
type Expirer interface {
	ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error)
	Expire(ctx context.Context, userID string, now time.Time) (engine.Expiry, error)
}

type Sweeper struct {
	Engine   Expirer
	Interval time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

// Report summarizes one pass.
type Report struct {
	Users       int      `json:"users"`
	Expired     int      `json:"expired"`
	Deaths      int      `json:"deaths"`
	FailedUsers []string `json:"failedUsers,omitempty"`
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Printf("sweep: pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce expires every overdue task. A failing user is reported and skipped.
func (s Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now()
	users, err := s.Engine.ExpiryCandidates(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list overdue users: %w", err)
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res, err := s.expireUser(ctx, userID, now)
		rep.Expired += len(res.Expired)
		rep.Deaths += res.Deaths
		if len(res.Expired) > 0 {
			rep.Users++
		}
		if err != nil {
			rep.FailedUsers = append(rep.FailedUsers, userID)
			s.logger().Printf("sweep: user %s: %v", userID, err)
		}
	}
	if rep.Expired > 0 || len(rep.FailedUsers) > 0 {
		s.logger().Printf("sweep: users=%d expired=%d deaths=%d failed=%d", rep.Users, rep.Expired, rep.Deaths, len(rep.FailedUsers))
	}
	return rep, nil
}

func (s Sweeper) expireUser(ctx context.Context, userID string, now time.Time) (res engine.Expiry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Engine.Expire(ctx, userID, now)
}
