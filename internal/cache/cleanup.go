package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

const DefaultCleanupSchedule = "@every 1h"

// StartCleanup runs Cleanup on the given cron schedule until ctx is done or
// the returned stop function is called.
func (c *Cache) StartCleanup(ctx context.Context, schedule string) (stop func(), err error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}

	scheduler := cron.New()
	scheduler.Schedule(parsed, cron.FuncJob(func() {
		c.Cleanup(ctx)
	}))
	scheduler.Start()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-scheduler.Stop().Done()
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}, nil
}
