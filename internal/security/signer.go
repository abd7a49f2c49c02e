// Package security provides submitter identities and verifiable signatures
// over the forecast records written to the oracle ledger.
package security

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/yourorg/vol-oracle/internal/model"
)

var (
	ErrInvalidKey       = errors.New("invalid submitter key")
	ErrInvalidSignature = errors.New("invalid record signature")
	ErrInvalidPayload   = errors.New("forecast payload cannot be encoded")
)

// ValueScale is the fixed-point precision of on-chain forecast values
const ValueScale = 6

// Signer holds a submitter's secp256k1 key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex encoded private key, with or without 0x prefix
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the submitter identity derived from the key
func (s *Signer) Address() common.Address { return s.address }

// PrivateKey exposes the key for transaction signing
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// Sign produces a 65 byte [R || S || V] signature over digest
func (s *Signer) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// SignRecord stamps rec with the signer's address and a signature over its digest
func (s *Signer) SignRecord(rec *model.SubmissionRecord) error {
	rec.Submitter = s.address
	digest, err := RecordDigest(*rec)
	if err != nil {
		return err
	}
	sig, err := s.Sign(digest)
	if err != nil {
		return err
	}
	rec.Signature = sig
	return nil
}

// ScaleValues converts forecast values to unsigned fixed-point integers with
// ValueScale decimals, rounding half away from zero.
func ScaleValues(values []float64) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("%w: value %d is %v", ErrInvalidPayload, i, v)
		}
		out[i] = decimal.NewFromFloat(v).Shift(ValueScale).Round(0).BigInt()
	}
	return out, nil
}

// UnscaleValues is the inverse of ScaleValues
func UnscaleValues(scaled []*big.Int) []float64 {
	out := make([]float64, len(scaled))
	for i, v := range scaled {
		out[i] = decimal.NewFromBigInt(v, -ValueScale).InexactFloat64()
	}
	return out
}

// RecordDigest is keccak256 over the packed record fields:
// ticker, submitter, sequence, fit timestamp (unix seconds), start date
// (unix seconds) and each value as a 32 byte fixed-point word.
func RecordDigest(rec model.SubmissionRecord) (common.Hash, error) {
	scaled, err := ScaleValues(rec.Values)
	if err != nil {
		return common.Hash{}, err
	}

	buf := make([]byte, 0, len(rec.Ticker)+common.AddressLength+24+32*len(scaled))
	buf = append(buf, []byte(model.NormalizeTicker(rec.Ticker))...)
	buf = append(buf, rec.Submitter.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, rec.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.FitTimestamp.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(model.Day(rec.StartDate).Unix()))
	for _, v := range scaled {
		buf = append(buf, ethmath.U256Bytes(v)...)
	}
	return crypto.Keccak256Hash(buf), nil
}

// Recover returns the address that produced sig over digest
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyRecord checks that rec was signed by rec.Submitter
func VerifyRecord(rec model.SubmissionRecord) error {
	digest, err := RecordDigest(rec)
	if err != nil {
		return err
	}
	signer, err := Recover(digest, rec.Signature)
	if err != nil {
		return err
	}
	if signer != rec.Submitter {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidSignature, signer.Hex(), rec.Submitter.Hex())
	}
	return nil
}
