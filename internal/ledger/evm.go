package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/vol-oracle/internal/model"
	"github.com/yourorg/vol-oracle/internal/security"
)

// OracleABI is the interface of the on-chain forecast store
const OracleABI = `[
  {"type":"function","name":"submitForecast","stateMutability":"nonpayable","inputs":[
    {"name":"ticker","type":"string"},
    {"name":"volatilities","type":"uint256[]"},
    {"name":"nDays","type":"uint256"},
    {"name":"fitTimestamp","type":"uint64"},
    {"name":"startDate","type":"uint64"},
    {"name":"sequence","type":"uint64"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"latestForecast","stateMutability":"view","inputs":[
    {"name":"ticker","type":"string"}],"outputs":[
    {"name":"submitter","type":"address"},
    {"name":"sequence","type":"uint64"},
    {"name":"fitTimestamp","type":"uint64"},
    {"name":"startDate","type":"uint64"},
    {"name":"volatilities","type":"uint256[]"},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[
    {"name":"submitter","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"isAuthorized","stateMutability":"view","inputs":[
    {"name":"submitter","type":"address"},
    {"name":"ticker","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"ForecastSubmitted","anonymous":false,"inputs":[
    {"name":"ticker","type":"string","indexed":true},
    {"name":"submitter","type":"address","indexed":true},
    {"name":"sequence","type":"uint64","indexed":false},
    {"name":"fitTimestamp","type":"uint64","indexed":false}]}
]`

// Backend is the chain access the EVM ledger needs; *ethclient.Client satisfies it
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVMOptions configures an EVMLedger
type EVMOptions struct {
	Contract      common.Address
	Key           *ecdsa.PrivateKey
	ChainID       int64
	GasLimit      uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMLedger reads and writes the oracle contract. The contract enforces the
// write rule; the ledger pre-checks it so failures are classified before gas
// is spent, and re-classifies reverted writes.
type EVMLedger struct {
	backend  Backend
	contract *bind.BoundContract
	opts     EVMOptions
	chainID  *big.Int
}

// NewEVMLedger binds the oracle contract on backend
func NewEVMLedger(ctx context.Context, backend Backend, opts EVMOptions) (*EVMLedger, error) {
	if opts.Key == nil {
		return nil, fmt.Errorf("evm ledger requires a transaction key")
	}
	if opts.Contract == (common.Address{}) {
		return nil, fmt.Errorf("evm ledger requires a contract address")
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 500000
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	parsed, err := abi.JSON(strings.NewReader(OracleABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle ABI: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if opts.ChainID != 0 && chainID.Int64() != opts.ChainID {
		return nil, fmt.Errorf("endpoint serves chain %s, configured for %d", chainID, opts.ChainID)
	}

	return &EVMLedger{
		backend:  backend,
		contract: bind.NewBoundContract(opts.Contract, parsed, backend, backend, backend),
		opts:     opts,
		chainID:  chainID,
	}, nil
}

func (l *EVMLedger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	return out, nil
}

// Latest implements Ledger
func (l *EVMLedger) Latest(ctx context.Context, ticker string) (*model.SubmissionRecord, error) {
	key := model.NormalizeTicker(ticker)
	out, err := l.call(ctx, "latestForecast", key)
	if err != nil {
		return nil, err
	}

	submitter := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if submitter == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, key)
	}
	scaled := *abi.ConvertType(out[4], new([]*big.Int)).(*[]*big.Int)
	return &model.SubmissionRecord{
		Ticker:       key,
		Submitter:    submitter,
		Sequence:     *abi.ConvertType(out[1], new(uint64)).(*uint64),
		FitTimestamp: time.Unix(int64(*abi.ConvertType(out[2], new(uint64)).(*uint64)), 0).UTC(),
		StartDate:    time.Unix(int64(*abi.ConvertType(out[3], new(uint64)).(*uint64)), 0).UTC(),
		Values:       security.UnscaleValues(scaled),
		Signature:    *abi.ConvertType(out[5], new([]byte)).(*[]byte),
	}, nil
}

// LastSequence implements Ledger
func (l *EVMLedger) LastSequence(ctx context.Context, submitter common.Address) (uint64, error) {
	out, err := l.call(ctx, "nonces", submitter)
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint64)).(*uint64), nil
}

// Authorization implements Ledger. The contract has no epochs, so the
// answer is always taken at epoch zero.
func (l *EVMLedger) Authorization(ctx context.Context, submitter common.Address, ticker string) (uint64, bool, error) {
	out, err := l.call(ctx, "isAuthorized", submitter, model.NormalizeTicker(ticker))
	if err != nil {
		return 0, false, err
	}
	return 0, *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Write implements Ledger. It returns once the transaction has the
// configured number of confirmations and is still canonical.
func (l *EVMLedger) Write(ctx context.Context, rec model.SubmissionRecord) (*model.SubmissionRecord, error) {
	rec.Ticker = model.NormalizeTicker(rec.Ticker)
	if err := l.precheck(ctx, rec); err != nil {
		return nil, err
	}

	scaled, err := security.ScaleValues(rec.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(l.opts.Key, l.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = l.opts.GasLimit

	tx, err := l.contract.Transact(auth, "submitForecast",
		rec.Ticker,
		scaled,
		big.NewInt(int64(len(scaled))),
		uint64(rec.FitTimestamp.Unix()),
		uint64(model.Day(rec.StartDate).Unix()),
		rec.Sequence,
		rec.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: send failed: %w", ErrLedgerRejected, err)
	}

	log := logrus.WithFields(logrus.Fields{
		"ticker":   rec.Ticker,
		"sequence": rec.Sequence,
		"tx":       tx.Hash().Hex(),
	})
	log.Info("Forecast transaction sent")

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction not included: %w", ErrLedgerRejected, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, l.classifyRevert(ctx, rec)
	}

	receipt, err = l.awaitConfirmations(ctx, tx.Hash(), receipt)
	if err != nil {
		return nil, err
	}

	log.WithField("block", receipt.BlockNumber.Uint64()).Info("Forecast transaction confirmed")
	accepted := cloneRecord(&rec)
	accepted.ID = tx.Hash().Hex()
	accepted.TxHash = tx.Hash().Hex()
	accepted.BlockNumber = receipt.BlockNumber.Uint64()
	accepted.AcceptedAt = time.Now().UTC()
	return accepted, nil
}

// precheck evaluates the write rule against current chain state
func (l *EVMLedger) precheck(ctx context.Context, rec model.SubmissionRecord) error {
	if _, ok, err := l.Authorization(ctx, rec.Submitter, rec.Ticker); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	} else if !ok {
		return fmt.Errorf("%w: %s for %s", ErrUnauthorized, rec.Submitter.Hex(), rec.Ticker)
	}

	stored, err := l.Latest(ctx, rec.Ticker)
	switch {
	case err == nil:
		if rec.FitTimestamp.Unix() < stored.FitTimestamp.Unix() {
			return fmt.Errorf("%w: fit %d before stored %d", ErrStaleForecast, rec.FitTimestamp.Unix(), stored.FitTimestamp.Unix())
		}
	case !errors.Is(err, ErrNoRecord):
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	}

	last, err := l.LastSequence(ctx, rec.Submitter)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	}
	if rec.Sequence != last+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrSequenceConflict, rec.Sequence, last+1)
	}
	return nil
}

// classifyRevert maps a reverted write back onto the write rule
func (l *EVMLedger) classifyRevert(ctx context.Context, rec model.SubmissionRecord) error {
	if last, err := l.LastSequence(ctx, rec.Submitter); err == nil && last >= rec.Sequence {
		return fmt.Errorf("%w: sequence %d taken while in flight", ErrSequenceConflict, rec.Sequence)
	}
	if stored, err := l.Latest(ctx, rec.Ticker); err == nil && rec.FitTimestamp.Unix() < stored.FitTimestamp.Unix() {
		return fmt.Errorf("%w: newer record landed while in flight", ErrStaleForecast)
	}
	return fmt.Errorf("%w: transaction reverted", ErrLedgerRejected)
}

// maxReorgMoves bounds how often a transaction may change blocks while confirming
const maxReorgMoves = 3

// awaitConfirmations waits until the receipt's block is buried under the
// configured depth, then checks the transaction is still in that block.
// A transaction a re-org moved into another block is followed there and
// confirmed again. It returns the receipt that finally confirmed.
func (l *EVMLedger) awaitConfirmations(ctx context.Context, hash common.Hash, receipt *types.Receipt) (*types.Receipt, error) {
	for moves := 0; ; moves++ {
		if err := l.waitForDepth(ctx, receipt.BlockNumber.Uint64()+l.opts.Confirmations-1); err != nil {
			return nil, err
		}

		current, err := l.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil, fmt.Errorf("%w: transaction dropped by re-org", ErrLedgerRejected)
			}
			return nil, fmt.Errorf("%w: receipt recheck: %w", ErrLedgerRejected, err)
		}
		if current.Status != types.ReceiptStatusSuccessful {
			return nil, fmt.Errorf("%w: transaction reverted after re-org", ErrLedgerRejected)
		}
		if current.BlockHash == receipt.BlockHash {
			return current, nil
		}
		if moves >= maxReorgMoves {
			return nil, fmt.Errorf("%w: transaction still moving after %d re-orgs", ErrLedgerRejected, moves)
		}

		logrus.WithFields(logrus.Fields{
			"tx":   hash.Hex(),
			"from": receipt.BlockNumber.Uint64(),
			"to":   current.BlockNumber.Uint64(),
		}).Warn("Transaction moved by re-org, confirming in its new block")
		receipt = current
	}
}

func (l *EVMLedger) waitForDepth(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		head, err := l.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for confirmations: %w", ErrLedgerRejected, ctx.Err())
		case <-ticker.C:
		}
	}
}
