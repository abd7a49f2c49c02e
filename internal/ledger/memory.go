package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
	"github.com/yourorg/vol-oracle/internal/security"
)

// DefaultRevocationGrace bounds how long a write prepared before a revocation
// may still land.
const DefaultRevocationGrace = 2 * time.Minute

// MemoryOptions configures a MemoryLedger
type MemoryOptions struct {
	// RevocationGrace is how long after a revocation a write carrying an
	// earlier authorization epoch is still honoured
	RevocationGrace time.Duration

	// SkipSignatures disables signature verification
	SkipSignatures bool

	Now func() time.Time
}

type grantKey struct {
	submitter common.Address
	ticker    string
}

// interval of epochs in which a grant was active; to == 0 while still active
type interval struct {
	from, to  uint64
	revokedAt time.Time
}

// MemoryLedger is a process-local ledger enforcing the full write rule.
// Writes and grants are serialized; reads of the latest record per ticker
// go through atomic pointers and never wait on a write.
type MemoryLedger struct {
	opts MemoryOptions

	mu      sync.Mutex
	epoch   uint64
	height  uint64
	grants  map[grantKey][]interval
	entries map[grantKey]*model.AuthorizationEntry

	latest    sync.Map // ticker -> *atomic.Pointer[model.SubmissionRecord]
	sequences sync.Map // common.Address -> *atomic.Uint64
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger(opts MemoryOptions) *MemoryLedger {
	if opts.RevocationGrace <= 0 {
		opts.RevocationGrace = DefaultRevocationGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryLedger{
		opts:    opts,
		grants:  make(map[grantKey][]interval),
		entries: make(map[grantKey]*model.AuthorizationEntry),
	}
}

func (l *MemoryLedger) slot(ticker string) *atomic.Pointer[model.SubmissionRecord] {
	p, _ := l.latest.LoadOrStore(ticker, new(atomic.Pointer[model.SubmissionRecord]))
	return p.(*atomic.Pointer[model.SubmissionRecord])
}

func (l *MemoryLedger) counter(submitter common.Address) *atomic.Uint64 {
	c, _ := l.sequences.LoadOrStore(submitter, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Latest implements Ledger
func (l *MemoryLedger) Latest(_ context.Context, ticker string) (*model.SubmissionRecord, error) {
	key := model.NormalizeTicker(ticker)
	rec := l.slot(key).Load()
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, key)
	}
	return cloneRecord(rec), nil
}

// LastSequence implements Ledger
func (l *MemoryLedger) LastSequence(_ context.Context, submitter common.Address) (uint64, error) {
	return l.counter(submitter).Load(), nil
}

// Authorization implements Ledger
func (l *MemoryLedger) Authorization(_ context.Context, submitter common.Address, ticker string) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch, l.activeAt(submitter, model.NormalizeTicker(ticker), l.epoch), nil
}

// activeAt reports whether submitter held a grant covering ticker at epoch,
// ignoring revocations older than the grace period. Caller holds l.mu.
func (l *MemoryLedger) activeAt(submitter common.Address, ticker string, epoch uint64) bool {
	now := l.opts.Now()
	for _, scope := range []string{ticker, model.WildcardTicker} {
		for _, iv := range l.grants[grantKey{submitter, scope}] {
			if epoch < iv.from {
				continue
			}
			if iv.to == 0 {
				return true
			}
			if epoch < iv.to && now.Sub(iv.revokedAt) <= l.opts.RevocationGrace {
				return true
			}
		}
	}
	return false
}

// Write implements Ledger
func (l *MemoryLedger) Write(_ context.Context, rec model.SubmissionRecord) (*model.SubmissionRecord, error) {
	rec.Ticker = model.NormalizeTicker(rec.Ticker)
	if rec.Ticker == "" || len(rec.Values) == 0 {
		return nil, fmt.Errorf("%w: empty ticker or forecast", ErrLedgerRejected)
	}
	if !l.opts.SkipSignatures {
		if err := security.VerifyRecord(rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.AuthEpoch > l.epoch || !l.activeAt(rec.Submitter, rec.Ticker, rec.AuthEpoch) {
		return nil, fmt.Errorf("%w: %s for %s at epoch %d", ErrUnauthorized, rec.Submitter.Hex(), rec.Ticker, rec.AuthEpoch)
	}

	slot := l.slot(rec.Ticker)
	if stored := slot.Load(); stored != nil && rec.FitTimestamp.Before(stored.FitTimestamp) {
		return nil, fmt.Errorf("%w: fit %s before stored %s", ErrStaleForecast,
			rec.FitTimestamp.Format(time.RFC3339), stored.FitTimestamp.Format(time.RFC3339))
	}

	seq := l.counter(rec.Submitter)
	if last := seq.Load(); rec.Sequence != last+1 {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrSequenceConflict, rec.Sequence, last+1)
	}

	l.height++
	accepted := cloneRecord(&rec)
	accepted.ID = uuid.NewString()
	accepted.BlockNumber = l.height
	accepted.AcceptedAt = l.opts.Now().UTC()

	// publish the record before the counter so a reader that sees the new
	// sequence also sees the record it belongs to
	slot.Store(accepted)
	seq.Store(rec.Sequence)

	logrus.WithFields(logrus.Fields{
		"ticker":    rec.Ticker,
		"submitter": rec.Submitter.Hex(),
		"sequence":  rec.Sequence,
	}).Info("Ledger record accepted")
	return cloneRecord(accepted), nil
}

// Grant implements Administrator. Granting an active entry is a no-op.
func (l *MemoryLedger) Grant(_ context.Context, submitter common.Address, ticker string) (model.AuthorizationEntry, error) {
	key, err := grantKeyFor(submitter, ticker)
	if err != nil {
		return model.AuthorizationEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.Active {
		return *e, nil
	}
	l.epoch++
	l.grants[key] = append(l.grants[key], interval{from: l.epoch})
	e := &model.AuthorizationEntry{Submitter: submitter, Ticker: key.ticker, Active: true, GrantedEpoch: l.epoch}
	l.entries[key] = e

	logrus.WithFields(logrus.Fields{"submitter": submitter.Hex(), "ticker": key.ticker, "epoch": l.epoch}).Info("Authorization granted")
	return *e, nil
}

// Revoke implements Administrator. Revoking an unknown or inactive entry is a no-op.
func (l *MemoryLedger) Revoke(_ context.Context, submitter common.Address, ticker string) (model.AuthorizationEntry, error) {
	key, err := grantKeyFor(submitter, ticker)
	if err != nil {
		return model.AuthorizationEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return model.AuthorizationEntry{Submitter: submitter, Ticker: key.ticker}, nil
	}
	if !e.Active {
		return *e, nil
	}
	l.epoch++
	ivs := l.grants[key]
	ivs[len(ivs)-1].to = l.epoch
	ivs[len(ivs)-1].revokedAt = l.opts.Now()
	e.Active = false
	e.RevokedEpoch = l.epoch

	logrus.WithFields(logrus.Fields{"submitter": submitter.Hex(), "ticker": key.ticker, "epoch": l.epoch}).Info("Authorization revoked")
	return *e, nil
}

// Entries implements Administrator
func (l *MemoryLedger) Entries(context.Context) ([]model.AuthorizationEntry, error) {
	l.mu.Lock()
	out := make([]model.AuthorizationEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Submitter.Hex() < out[j].Submitter.Hex()
	})
	return out, nil
}

func grantKeyFor(submitter common.Address, ticker string) (grantKey, error) {
	t := model.NormalizeTicker(ticker)
	if t == "" {
		return grantKey{}, fmt.Errorf("empty ticker scope")
	}
	if submitter == (common.Address{}) {
		return grantKey{}, fmt.Errorf("zero submitter address")
	}
	return grantKey{submitter: submitter, ticker: t}, nil
}
