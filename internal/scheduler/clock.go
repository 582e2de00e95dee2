package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Clock drives recurring timers. The returned stop func must be idempotent;
// fn may still run once after stop, callers guard with a generation.
type Clock interface {
	Every(period time.Duration, fn func()) (stop func())
}

// CronClock runs timers on a robfig/cron instance. Periods below one second
// are rounded up to one second.
type CronClock struct {
	c *cron.Cron
}

func NewCronClock() *CronClock {
	return &CronClock{c: cron.New()}
}

func (k *CronClock) Start() { k.c.Start() }

// Stop halts the cron loop and waits for running jobs.
func (k *CronClock) Stop() { <-k.c.Stop().Done() }

func (k *CronClock) Every(period time.Duration, fn func()) func() {
	id := k.c.Schedule(cron.Every(period), cron.FuncJob(fn))
	return func() { k.c.Remove(id) }
}
