package activity

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// BeforeLogHook inspects a candidate record before persistence. Returning
// false vetoes the write: the record is dropped without logged or error hooks
// firing. Returning true lets processing continue.
type BeforeLogHook func(rec *Record) bool

// LoggedHook observes a record after it has been successfully persisted.
// It is side-effect only; it cannot cancel or alter anything.
type LoggedHook func(rec *Record)

// ErrorHook observes validation and persistence failures. rec is the candidate
// record when one exists, or nil for failures with no associated record.
type ErrorHook func(err error, rec *Record)

// UnsubscribeFunc removes a previously registered hook. Calling it more than
// once is safe.
type UnsubscribeFunc func()

// Bus is the notification channel between the Logger and its consumers. It
// carries three hook kinds: a cancellable pre-persistence gate (before-log),
// and two informational phases (logged, error). Registration and removal are
// synchronous and take effect for subsequent emissions; dispatch iterates over
// a copied slice so hooks may unsubscribe themselves safely.
//
// Veto semantics are expressed through the before-log return value, never
// through panics or errors, keeping "veto" and "failure" distinct. A panicking
// hook is recovered, reported locally and treated as non-vetoing.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	before []busEntry[BeforeLogHook]
	logged []busEntry[LoggedHook]
	errors []busEntry[ErrorHook]

	cfg *Config
	log logrus.FieldLogger
}

type busEntry[H any] struct {
	id uint64
	fn H
}

// NewBus creates a Bus bound to the given configuration. A nil cfg gets the
// defaults; a nil logger falls back to the logrus standard logger.
func NewBus(cfg *Config, log logrus.FieldLogger) *Bus {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{cfg: cfg, log: log}
}

// OnBeforeLog registers a cancellable pre-persistence hook.
//
// Returns:
//   - UnsubscribeFunc: Removes the hook when called.
func (b *Bus) OnBeforeLog(h BeforeLogHook) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.before = append(b.before, busEntry[BeforeLogHook]{id: id, fn: h})
	b.warnIfCrowded("before-log", len(b.before))
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.before = removeEntry(b.before, id)
	}
}

// OnLogged registers a post-persistence hook.
func (b *Bus) OnLogged(h LoggedHook) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.logged = append(b.logged, busEntry[LoggedHook]{id: id, fn: h})
	b.warnIfCrowded("logged", len(b.logged))
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.logged = removeEntry(b.logged, id)
	}
}

// OnError registers a failure hook.
func (b *Bus) OnError(h ErrorHook) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.errors = append(b.errors, busEntry[ErrorHook]{id: id, fn: h})
	b.warnIfCrowded("error", len(b.errors))
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.errors = removeEntry(b.errors, id)
	}
}

// warnIfCrowded logs when a hook kind grows past the configured boundary.
// Exceeding the boundary is a warning condition, not a hard failure.
// Callers hold b.mu.
func (b *Bus) warnIfCrowded(kind string, n int) {
	if max := b.cfg.MaxSubscribers(); n > max {
		b.log.WithFields(logrus.Fields{"hook": kind, "count": n, "max": max}).
			Warn("activity: hook subscriber count exceeds configured maximum")
	}
}

func removeEntry[H any](entries []busEntry[H], id uint64) []busEntry[H] {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// emitBeforeLog runs the before-log gate. The first hook returning false wins:
// remaining hooks are skipped and false is returned.
func (b *Bus) emitBeforeLog(rec *Record) bool {
	b.mu.RLock()
	hooks := append([]busEntry[BeforeLogHook](nil), b.before...)
	b.mu.RUnlock()
	for _, e := range hooks {
		if !b.runBeforeHook(e.fn, rec) {
			return false
		}
	}
	return true
}

// runBeforeHook invokes one before-log hook, converting a panic into a local
// warning and a non-veto.
func (b *Bus) runBeforeHook(h BeforeLogHook, rec *Record) (allow bool) {
	allow = true
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Warn("activity: before-log hook panicked")
			allow = true
		}
	}()
	return h(rec)
}

// emitLogged notifies all logged hooks of a persisted record.
func (b *Bus) emitLogged(rec *Record) {
	b.mu.RLock()
	hooks := append([]busEntry[LoggedHook](nil), b.logged...)
	b.mu.RUnlock()
	for _, e := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("panic", r).Warn("activity: logged hook panicked")
				}
			}()
			e.fn(rec)
		}()
	}
}

// emitError notifies all error hooks of a failure.
func (b *Bus) emitError(err error, rec *Record) {
	b.mu.RLock()
	hooks := append([]busEntry[ErrorHook](nil), b.errors...)
	b.mu.RUnlock()
	for _, e := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("panic", r).Warn("activity: error hook panicked")
				}
			}()
			e.fn(err, rec)
		}()
	}
}
