// Package coordinator serializes model mutations and ledger submissions per ticker.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned when the ticker already has an operation in flight
	// and the request could not (or would not) wait for it.
	ErrBusy = errors.New("ticker busy")

	// ErrAbandoned is returned when an operation outlived its deadline or its
	// caller went away. Its lease is revoked, so it can no longer commit.
	ErrAbandoned = errors.New("operation abandoned")
)

// Op is an exclusive operation kind
type Op string

const (
	OpFit    Op = "fit"
	OpSubmit Op = "submit"
)

// State of a ticker's exclusive slot
type State string

const (
	StateIdle       State = "idle"
	StateFitting    State = "fitting"
	StateSubmitting State = "submitting"
)

func stateFor(op Op) State {
	if op == OpSubmit {
		return StateSubmitting
	}
	return StateFitting
}

// Policy decides what happens to a request that finds its ticker busy
type Policy string

const (
	// PolicyQueue waits in FIFO order until the slot frees or the caller's context ends
	PolicyQueue Policy = "queue"
	// PolicyReject fails immediately with ErrBusy
	PolicyReject Policy = "reject"
)

// ParsePolicy parses queue|reject, empty meaning queue
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyQueue, nil
	case PolicyQueue, PolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", s)
	}
}

// Lease is handed to an operation while it holds its ticker's slot.
// State changes must go through Commit so that an abandoned operation
// cannot publish a late result.
type Lease struct {
	ticker string
	op     Op

	mu        sync.Mutex
	revoked   bool
	committed bool
}

// Ticker returns the normalized ticker the lease covers
func (l *Lease) Ticker() string { return l.ticker }

// Op returns the operation the lease was granted for
func (l *Lease) Op() Op { return l.op }

// Commit runs fn while the lease is still valid. It returns ErrAbandoned
// without calling fn once the lease has been revoked. Commit should be the
// last step of an operation.
func (l *Lease) Commit(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revoked {
		return fmt.Errorf("%w: %s lease for %s was revoked", ErrAbandoned, l.op, l.ticker)
	}
	if err := fn(); err != nil {
		return err
	}
	l.committed = true
	return nil
}

// revoke invalidates the lease and reports whether a commit already happened
func (l *Lease) revoke() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked = true
	return l.committed
}

type slot struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	state State
}

func (s *slot) set(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *slot) get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Options configures the coordinator
type Options struct {
	Policy        Policy
	FitTimeout    time.Duration
	SubmitTimeout time.Duration

	// OnBusy is called whenever a request is turned away with ErrBusy
	OnBusy func(op Op, ticker string)
}

// Coordinator grants at most one exclusive operation per ticker at a time.
// Fits and submissions share the slot, so a submission never overlaps a
// fit of the same ticker. Independent tickers never contend.
type Coordinator struct {
	opts Options

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a coordinator
func New(opts Options) *Coordinator {
	if opts.Policy == "" {
		opts.Policy = PolicyQueue
	}
	if opts.FitTimeout <= 0 {
		opts.FitTimeout = 2 * time.Minute
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 2 * time.Minute
	}
	return &Coordinator{opts: opts, slots: make(map[string]*slot)}
}

func (c *Coordinator) slot(ticker string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[ticker]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1), state: StateIdle}
		c.slots[ticker] = s
	}
	return s
}

func (c *Coordinator) timeout(op Op) time.Duration {
	if op == OpSubmit {
		return c.opts.SubmitTimeout
	}
	return c.opts.FitTimeout
}

// Do runs fn with exclusive access to ticker. fn receives a context bounded
// by the op timeout and a lease to commit through. If the deadline passes or
// ctx ends before fn returns, the lease is revoked, the slot is released for
// the next request, and ErrAbandoned is returned.
func (c *Coordinator) Do(ctx context.Context, ticker string, op Op, fn func(ctx context.Context, lease *Lease) error) error {
	key := model.NormalizeTicker(ticker)
	s := c.slot(key)

	if c.opts.Policy == PolicyReject {
		if !s.sem.TryAcquire(1) {
			c.busy(op, key)
			return fmt.Errorf("%w: %s has a %s in progress", ErrBusy, key, s.get())
		}
	} else if err := s.sem.Acquire(ctx, 1); err != nil {
		c.busy(op, key)
		return fmt.Errorf("%w: gave up waiting for %s: %w", ErrBusy, key, err)
	}

	s.set(stateFor(op))
	defer func() {
		s.set(StateIdle)
		s.sem.Release(1)
	}()

	opCtx, cancel := context.WithTimeout(ctx, c.timeout(op))
	defer cancel()

	lease := &Lease{ticker: key, op: op}
	done := make(chan error, 1)
	go func() { done <- fn(opCtx, lease) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if lease.revoke() {
			// committed just before the deadline; the result is already visible
			return <-done
		}
		logrus.WithFields(logrus.Fields{
			"ticker": key,
			"op":     op,
		}).Warnf("Operation abandoned: %v", opCtx.Err())
		return fmt.Errorf("%w: %s for %s: %w", ErrAbandoned, op, key, opCtx.Err())
	}
}

func (c *Coordinator) busy(op Op, ticker string) {
	logrus.WithFields(logrus.Fields{"ticker": ticker, "op": op}).Debug("Ticker busy")
	if c.opts.OnBusy != nil {
		c.opts.OnBusy(op, ticker)
	}
}

// State reports the current slot state of ticker
func (c *Coordinator) State(ticker string) State {
	key := model.NormalizeTicker(ticker)
	c.mu.Lock()
	s, ok := c.slots[key]
	c.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return s.get()
}

// States lists every ticker that has been coordinated with its state
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	keys := make([]string, 0, len(c.slots))
	for k := range c.slots {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)

	out := make(map[string]State, len(keys))
	for _, k := range keys {
		out[k] = c.State(k)
	}
	return out
}
