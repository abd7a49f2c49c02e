// Package store holds per-ticker observations and the current fitted model.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
)

// Repository persists observations and models. A nil Repository keeps the
// store purely in memory.
type Repository interface {
	LoadObservations(ctx context.Context, ticker string) ([]model.Observation, error)
	SaveObservations(ctx context.Context, ticker string, observations []model.Observation) error

	// LoadModel returns nil, nil when no model was saved for the ticker
	LoadModel(ctx context.Context, ticker string) (*model.FittedModel, error)
	SaveModel(ctx context.Context, m *model.FittedModel) error
}

// Instrument is the per-ticker record of the arena
type Instrument struct {
	Ticker string

	mu           sync.RWMutex
	observations []model.Observation
	seen         map[int64]struct{}

	// current is swapped whole on refit, so readers always see a complete model
	current atomic.Pointer[model.FittedModel]
}

func newInstrument(ticker string) *Instrument {
	return &Instrument{Ticker: ticker, seen: make(map[int64]struct{})}
}

// Observations returns a copy of the time-ordered observations
func (i *Instrument) Observations() []model.Observation {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]model.Observation, len(i.observations))
	copy(out, i.observations)
	return out
}

// Len returns the number of stored observations
func (i *Instrument) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.observations)
}

// Tail returns a copy of the last n observations, or all of them when fewer exist
func (i *Instrument) Tail(n int) []model.Observation {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if n > len(i.observations) || n < 0 {
		n = len(i.observations)
	}
	out := make([]model.Observation, n)
	copy(out, i.observations[len(i.observations)-n:])
	return out
}

// TailWith returns the last n observations the history would hold once
// staged were appended. The stored history is not changed.
func (i *Instrument) TailWith(staged []model.Observation, n int) []model.Observation {
	fresh := i.fresh(staged)
	if len(fresh) == 0 {
		return i.Tail(n)
	}
	combined := append(i.Observations(), fresh...)
	sort.SliceStable(combined, func(a, b int) bool {
		return combined[a].Timestamp.Before(combined[b].Timestamp)
	})
	if n > len(combined) || n < 0 {
		n = len(combined)
	}
	return combined[len(combined)-n:]
}

// Model returns the committed model snapshot, nil when never fitted
func (i *Instrument) Model() *model.FittedModel {
	return i.current.Load()
}

// fresh returns the observations whose timestamps are not stored yet
func (i *Instrument) fresh(observations []model.Observation) []model.Observation {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []model.Observation
	for _, o := range model.NormalizeObservations(observations) {
		if _, ok := i.seen[o.Timestamp.UnixNano()]; ok {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (i *Instrument) merge(observations []model.Observation) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	added := 0
	for _, o := range observations {
		key := o.Timestamp.UnixNano()
		if _, ok := i.seen[key]; ok {
			continue
		}
		i.seen[key] = struct{}{}
		i.observations = append(i.observations, o)
		added++
	}
	if added > 0 {
		sort.SliceStable(i.observations, func(a, b int) bool {
			return i.observations[a].Timestamp.Before(i.observations[b].Timestamp)
		})
	}
	return added
}

// InstrumentStore is an arena of instruments keyed by normalized ticker.
// Instruments are created lazily on first reference.
type InstrumentStore struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
	repo        Repository
}

// New creates a store backed by repo, which may be nil
func New(repo Repository) *InstrumentStore {
	return &InstrumentStore{
		instruments: make(map[string]*Instrument),
		repo:        repo,
	}
}

// GetOrCreate returns the instrument for ticker, hydrating it from the
// repository the first time it is referenced.
func (s *InstrumentStore) GetOrCreate(ctx context.Context, ticker string) (*Instrument, error) {
	key := model.NormalizeTicker(ticker)

	s.mu.RLock()
	inst, ok := s.instruments[key]
	s.mu.RUnlock()
	if ok {
		return inst, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instruments[key]; ok {
		return inst, nil
	}

	inst = newInstrument(key)
	if s.repo != nil {
		observations, err := s.repo.LoadObservations(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load observations for %s: %w", key, err)
		}
		inst.merge(model.NormalizeObservations(observations))

		m, err := s.repo.LoadModel(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load model for %s: %w", key, err)
		}
		if m != nil {
			inst.current.Store(m)
		}
		logrus.WithFields(logrus.Fields{
			"ticker":       key,
			"observations": len(observations),
			"model":        m != nil,
		}).Debug("Instrument hydrated")
	}
	s.instruments[key] = inst
	return inst, nil
}

// AppendObservations adds observations to the ticker's history. Timestamps
// already present are skipped silently, so repeating a call is harmless.
func (s *InstrumentStore) AppendObservations(ctx context.Context, ticker string, observations []model.Observation) (int, error) {
	inst, err := s.GetOrCreate(ctx, ticker)
	if err != nil {
		return 0, err
	}

	fresh := inst.fresh(observations)
	if len(fresh) == 0 {
		return 0, nil
	}
	if s.repo != nil {
		if err := s.repo.SaveObservations(ctx, inst.Ticker, fresh); err != nil {
			return 0, fmt.Errorf("save observations for %s: %w", inst.Ticker, err)
		}
	}
	return inst.merge(fresh), nil
}

// GetModel returns the committed model for ticker, nil when absent
func (s *InstrumentStore) GetModel(ctx context.Context, ticker string) (*model.FittedModel, error) {
	inst, err := s.GetOrCreate(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return inst.Model(), nil
}

// SetModel persists m and then swaps it in as the ticker's current model.
// On a persistence error the previous model stays in place.
func (s *InstrumentStore) SetModel(ctx context.Context, m *model.FittedModel) error {
	if m == nil {
		return fmt.Errorf("set model: nil model")
	}
	inst, err := s.GetOrCreate(ctx, m.Ticker)
	if err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SaveModel(ctx, m); err != nil {
			return fmt.Errorf("save model for %s: %w", inst.Ticker, err)
		}
	}
	inst.current.Store(m)
	return nil
}

// Tickers lists the instruments referenced so far
func (s *InstrumentStore) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instruments))
	for k := range s.instruments {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
