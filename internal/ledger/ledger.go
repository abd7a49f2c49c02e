// Package ledger holds the oracle's write authority: who may publish a
// forecast for a ticker, and which records are accepted.
//
// A record for ticker T from submitter S is accepted iff S is authorized for T,
// its fit timestamp is not older than the stored record for T, and its
// sequence is exactly lastSequence(S) + 1. Readers always see whole records.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/vol-oracle/internal/model"
)

var (
	ErrUnauthorized     = errors.New("submitter not authorized for ticker")
	ErrStaleForecast    = errors.New("forecast older than the stored record")
	ErrSequenceConflict = errors.New("sequence conflict")
	ErrLedgerRejected   = errors.New("ledger rejected the write")
	ErrNoRecord         = errors.New("no record for ticker")
)

// Ledger is the read and write surface used by submitters and consumers
type Ledger interface {
	// Latest returns the latest accepted record for ticker, or ErrNoRecord
	Latest(ctx context.Context, ticker string) (*model.SubmissionRecord, error)

	// LastSequence returns the last accepted sequence for submitter, zero if none
	LastSequence(ctx context.Context, submitter common.Address) (uint64, error)

	// Authorization reports whether submitter may write ticker now, and the
	// authorization epoch the answer was taken at
	Authorization(ctx context.Context, submitter common.Address, ticker string) (epoch uint64, authorized bool, err error)

	// Write applies the write rule atomically and returns the accepted record
	Write(ctx context.Context, rec model.SubmissionRecord) (*model.SubmissionRecord, error)
}

// Administrator mutates the authorization mapping. It is not part of the request path.
type Administrator interface {
	Grant(ctx context.Context, submitter common.Address, ticker string) (model.AuthorizationEntry, error)
	Revoke(ctx context.Context, submitter common.Address, ticker string) (model.AuthorizationEntry, error)
	Entries(ctx context.Context) ([]model.AuthorizationEntry, error)
}

func cloneRecord(r *model.SubmissionRecord) *model.SubmissionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Values = append([]float64(nil), r.Values...)
	c.Signature = append([]byte(nil), r.Signature...)
	return &c
}
