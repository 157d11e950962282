package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// tasks runs named periodic jobs. A panicking job is recovered and a job
// still running when its next tick arrives is skipped.
type tasks struct {
	cron *cron.Cron
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func newTasks(log *zap.Logger) *tasks {
	l := cronLogger{log: log.Sugar()}
	return &tasks{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule runs fn every interval under name, replacing any job already
// registered with that name.
func (t *tasks) Schedule(name string, every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	id, err := t.cron.AddFunc(fmt.Sprintf("@every %s", every), fn)
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", name, err)
	}

	t.mu.Lock()
	if prev, ok := t.entries[name]; ok {
		t.cron.Remove(prev)
	}
	t.entries[name] = id
	t.mu.Unlock()

	t.log.Debug("task scheduled", zap.String("task", name), zap.Duration("every", every))
	return nil
}

// Cancel stops the job registered under name.
func (t *tasks) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[name]; ok {
		t.cron.Remove(id)
		delete(t.entries, name)
	}
}

func (t *tasks) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	return out
}

func (t *tasks) Start() {
	t.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx.
func (t *tasks) Stop(ctx context.Context) {
	done := t.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
