package longpoll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandem-chat/tandem/internal/domain/message"
)

// ErrWaiterLimit is returned when a session already has the maximum number
// of registered waiters. Callers should back off instead of re-polling.
var ErrWaiterLimit = errors.New("waiter limit reached for session")

// Config holds the dispatcher knobs.
type Config struct {
	// DefaultWait is used when a caller requests no (or a non-positive)
	// wait. Never zero: a zero default would turn clients into busy loops.
	DefaultWait time.Duration
	// MaxWait caps the effective wait of any single poll.
	MaxWait time.Duration
	// Heartbeat resolves idle waiters early so long-lived connections are
	// not mistaken for dead ones. Zero disables heartbeats.
	Heartbeat time.Duration
	// MaxWaitersPerSession caps concurrently registered waiters.
	MaxWaitersPerSession int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultWait:          20 * time.Second,
		MaxWait:              60 * time.Second,
		Heartbeat:            30 * time.Second,
		MaxWaitersPerSession: 8,
	}
}

// ResultKind tags how a wait resolved.
type ResultKind int

const (
	KindDelivered ResultKind = iota
	KindTimedOut
	KindHeartbeat
	KindAborted
)

func (k ResultKind) String() string {
	switch k {
	case KindDelivered:
		return "DELIVERED"
	case KindTimedOut:
		return "TIMED_OUT"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return "ABORTED"
	}
}

// Result is the single-assignment outcome of one wait. Watermark is the
// CreatedAt of the last delivered message, or the caller's original
// watermark when nothing was delivered, so polls chain without gaps or
// duplicates.
type Result struct {
	Kind      ResultKind
	Messages  []*message.Message
	Watermark time.Time
}

// waiter is one registered blocked read. It resolves exactly once; the
// resolved flag is guarded by the dispatcher mutex.
type waiter struct {
	sessionID uuid.UUID
	clientID  string
	watermark time.Time
	deadline  time.Time
	ch        chan Result
	timer     *time.Timer
	hbTimer   *time.Timer
	resolved  bool
}

// Ticket is a registered waiter handle. Registration and blocking are
// split so the coordinator can register under its session lock and block
// outside it.
type Ticket struct {
	d *Dispatcher
	w *waiter
}

// Wait blocks until the waiter resolves or ctx is cancelled. Context
// cancellation aborts the waiter and returns ctx.Err().
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-t.w.ch:
		return res, nil
	case <-ctx.Done():
		t.d.cancelWaiter(t.w)
		return Result{}, ctx.Err()
	}
}

// Dispatcher fans accepted messages out to blocked readers. One waiter per
// (session, client); each resolves at most once across delivery, timeout,
// heartbeat, abort, and sweep.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID][]*waiter // registration order preserved
}

// NewDispatcher creates a dispatcher. Zero or negative config values fall
// back to defaults.
func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = def.DefaultWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.MaxWaitersPerSession <= 0 {
		cfg.MaxWaitersPerSession = def.MaxWaitersPerSession
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.With().Str("service", "longpoll").Logger(),
		sessions: make(map[uuid.UUID][]*waiter),
	}
}

// EffectiveWait clamps a requested wait into [DefaultWait if unset, MaxWait].
func (d *Dispatcher) EffectiveWait(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = d.cfg.DefaultWait
	}
	if requested > d.cfg.MaxWait {
		requested = d.cfg.MaxWait
	}
	return requested
}

// Register adds a waiter for sessionID keyed by clientID. A second
// registration for the same client replaces the first, aborting it. Returns
// ErrWaiterLimit when the session cap is reached.
func (d *Dispatcher) Register(sessionID uuid.UUID, clientID string, maxWait time.Duration, watermark time.Time) (*Ticket, error) {
	wait := d.EffectiveWait(maxWait)
	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev := d.findLocked(sessionID, clientID); prev != nil {
		d.resolveLocked(prev, Result{Kind: KindAborted, Watermark: prev.watermark})
	}
	if len(d.sessions[sessionID]) >= d.cfg.MaxWaitersPerSession {
		return nil, ErrWaiterLimit
	}

	w := &waiter{
		sessionID: sessionID,
		clientID:  clientID,
		watermark: watermark,
		deadline:  now.Add(wait),
		ch:        make(chan Result, 1),
	}
	w.timer = time.AfterFunc(wait, func() {
		d.resolve(w, Result{Kind: KindTimedOut, Watermark: w.watermark})
	})
	if d.cfg.Heartbeat > 0 && d.cfg.Heartbeat < wait {
		w.hbTimer = time.AfterFunc(d.cfg.Heartbeat, func() {
			d.resolve(w, Result{Kind: KindHeartbeat, Watermark: w.watermark})
		})
	}
	d.sessions[sessionID] = append(d.sessions[sessionID], w)
	return &Ticket{d: d, w: w}, nil
}

// Wait is Register followed by Ticket.Wait, for callers that do not need
// the two-phase form.
func (d *Dispatcher) Wait(ctx context.Context, sessionID uuid.UUID, clientID string, maxWait time.Duration, watermark time.Time) (Result, error) {
	t, err := d.Register(sessionID, clientID, maxWait, watermark)
	if err != nil {
		return Result{}, err
	}
	return t.Wait(ctx)
}

// Deliver resolves every currently registered waiter for sessionID whose
// watermark is older than the message, in registration order. A session
// with zero waiters is a no-op; the dispatcher retains no backlog.
func (d *Dispatcher) Deliver(sessionID uuid.UUID, msg *message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range append([]*waiter(nil), d.sessions[sessionID]...) {
		if !msg.CreatedAt.After(w.watermark) {
			continue
		}
		d.resolveLocked(w, Result{
			Kind:      KindDelivered,
			Messages:  []*message.Message{msg},
			Watermark: msg.CreatedAt,
		})
	}
}

// Abort cancels one waiter, resolving it with KindAborted. Returns false
// when no matching waiter exists (already resolved or never registered).
func (d *Dispatcher) Abort(sessionID uuid.UUID, clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.findLocked(sessionID, clientID)
	if w == nil {
		return false
	}
	d.resolveLocked(w, Result{Kind: KindAborted, Watermark: w.watermark})
	return true
}

// AbortAll cancels every waiter for a session and returns how many were
// resolved. Used on session end.
func (d *Dispatcher) AbortAll(sessionID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := append([]*waiter(nil), d.sessions[sessionID]...)
	for _, w := range ws {
		d.resolveLocked(w, Result{Kind: KindAborted, Watermark: w.watermark})
	}
	return len(ws)
}

// Sweep resolves any waiter whose deadline passed without its timer firing
// (e.g. after a process pause). Idempotent with the timer path: whichever
// runs first wins.
func (d *Dispatcher) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	swept := 0
	for _, ws := range d.sessions {
		for _, w := range append([]*waiter(nil), ws...) {
			if now.Before(w.deadline) {
				continue
			}
			d.resolveLocked(w, Result{Kind: KindTimedOut, Watermark: w.watermark})
			swept++
		}
	}
	return swept
}

// Stop aborts every waiter across all sessions.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ws := range d.sessions {
		for _, w := range append([]*waiter(nil), ws...) {
			d.resolveLocked(w, Result{Kind: KindAborted, Watermark: w.watermark})
		}
	}
}

// WaiterCount reports the live waiters for a session.
func (d *Dispatcher) WaiterCount(sessionID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions[sessionID])
}

func (d *Dispatcher) cancelWaiter(w *waiter) {
	d.resolve(w, Result{Kind: KindAborted, Watermark: w.watermark})
}

func (d *Dispatcher) resolve(w *waiter, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveLocked(w, res)
}

// resolveLocked retires a waiter exactly once: stops its timers, removes it
// from the table, and assigns its single-shot result. Competing resolution
// paths find resolved already set and no-op.
func (d *Dispatcher) resolveLocked(w *waiter, res Result) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.hbTimer != nil {
		w.hbTimer.Stop()
	}
	ws := d.sessions[w.sessionID]
	for i, cand := range ws {
		if cand == w {
			d.sessions[w.sessionID] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(d.sessions[w.sessionID]) == 0 {
		delete(d.sessions, w.sessionID)
	}
	w.ch <- res
}

func (d *Dispatcher) findLocked(sessionID uuid.UUID, clientID string) *waiter {
	for _, w := range d.sessions[sessionID] {
		if w.clientID == clientID {
			return w
		}
	}
	return nil
}
