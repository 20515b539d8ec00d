package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
)

// ScheduleLockKey is the no-overlap lock for a schedule.
func ScheduleLockKey(scheduleID int64) string {
	return fmt.Sprintf("schedule:%d", scheduleID)
}

// ResourceLockKey is the lock a step takes through its "lock" config entry.
func ResourceLockKey(name string) string {
	return "resource:" + name
}

// LockManager hands out leased locks stored in the database. Expired locks can be taken by anyone.
type LockManager struct {
	repo     LockRepo
	clock    core.Clock
	notifier core.Notifier
}

func NewLockManager(repo LockRepo, clock core.Clock, notifier core.Notifier) *LockManager {
	return &LockManager{repo: repo, clock: clock, notifier: notifier}
}

func (m *LockManager) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := m.repo.TryAcquire(key, holder, ttl)
	if err != nil {
		return false, newError(KindTransientInfrastructure, "lock acquire", err)
	}
	if !ok {
		slog.DebugContext(ctx, "Lock held elsewhere", "lock", key, "holder", holder)
	}
	return ok, nil
}

func (m *LockManager) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := m.repo.Renew(key, holder, ttl)
	if err != nil {
		return false, newError(KindTransientInfrastructure, "lock renew", err)
	}
	return ok, nil
}

func (m *LockManager) Release(ctx context.Context, key, holder string) error {
	if err := m.repo.Release(key, holder); err != nil {
		return newError(KindTransientInfrastructure, "lock release", err)
	}
	return nil
}

// Lease is a held lock that is renewed in the background until Release is called.
// Its context is cancelled when a renewal is lost.
type Lease struct {
	Key    string
	Holder string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	manager *LockManager
	lost    bool
	mu      sync.Mutex
}

// Context is cancelled once the lease is lost or released.
func (l *Lease) Context() context.Context { return l.ctx }

// Lost reports whether a renewal failed before Release.
func (l *Lease) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Release stops renewal and drops the lock.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = l.manager.Release(ctx, l.Key, l.Holder)
	})
	return err
}

// Hold acquires key and keeps renewing it every ttl/3. It returns false when the lock is held elsewhere.
func (m *LockManager) Hold(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, bool, error) {
	ok, err := m.TryAcquire(ctx, key, holder, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	leaseCtx, cancel := context.WithCancel(ctx)
	l := &Lease{Key: key, Holder: holder, ctx: leaseCtx, cancel: cancel, done: make(chan struct{}), manager: m}
	go m.renew(l, ttl)
	return l, true, nil
}

func (m *LockManager) renew(l *Lease, ttl time.Duration) {
	defer close(l.done)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	renewed := m.clock.Now()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-m.clock.After(interval):
		}
		ok, err := m.Renew(l.ctx, l.Key, l.Holder, ttl)
		if err == nil && ok {
			renewed = m.clock.Now()
			continue
		}
		if l.ctx.Err() != nil {
			return
		}
		// a failing store is retried until the lease would have expired anyway
		if err != nil && m.clock.Now().Sub(renewed) < ttl {
			slog.WarnContext(l.ctx, "Lock renewal failed", "lock", l.Key, "holder", l.Holder, "error", err)
			continue
		}
		l.mu.Lock()
		l.lost = true
		l.mu.Unlock()
		slog.ErrorContext(l.ctx, "Lost lock lease", "lock", l.Key, "holder", l.Holder, "error", err)
		raiseAlert(l.ctx, m.notifier, core.Alert{
			Severity: core.SeverityCritical,
			Title:    "Lock lease lost",
			Message:  fmt.Sprintf("lock %s held by %s could not be renewed", l.Key, l.Holder),
		})
		l.cancel()
		return
	}
}
