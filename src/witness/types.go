// Package witness implements signed account-age witnesses: the chain of signed
// attestations that lets a peer prove its payment account has existed for a minimum
// time without identity verification.
//
// A chain starts at a witness signed by a recognised arbitrator and continues with
// witnesses signed by traders whose own accounts were already vouched for.
package witness

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ripemd160"
)

// Field limits applied to witnesses received from the network
const (
	AccountHashSize  = ripemd160.Size
	MaxSignatureSize = 256
	MaxPubKeySize    = 128
)

// ErrInvalidWitness is returned by Validate for structurally malformed witnesses
var ErrInvalidWitness = errors.New("invalid signed witness")

// HexBytes is a byte slice that encodes as lowercase hex in JSON and YAML.
type HexBytes []byte

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// MarshalText implements encoding.TextMarshaler
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	*h = b
	return nil
}

// AccountAgeWitness commits to the data identifying a payment account together with
// the date the account claims to have been created. It is not signed.
type AccountAgeWitness struct {
	Hash HexBytes `json:"hash"`
	Date int64    `json:"date"` // unix millis
}

// HashAccountData returns RIPEMD160(SHA256(parts...)), the account age witness hash.
func HashAccountData(parts ...[]byte) []byte {
	sha := sha256.New()
	for _, p := range parts {
		sha.Write(p)
	}
	rmd := ripemd160.New()
	rmd.Write(sha.Sum(nil))
	return rmd.Sum(nil)
}

// NewAccountAgeWitness derives the witness for an account's data and owner key.
func NewAccountAgeWitness(accountData, ownerPubKey []byte, created time.Time) AccountAgeWitness {
	return AccountAgeWitness{
		Hash: HashAccountData(accountData, ownerPubKey),
		Date: created.UnixMilli(),
	}
}

// SignedWitness vouches for an AccountAgeWitness. It is signed either by an
// arbitrator (a root of trust) or by a trader after completing a trade with the
// owner of the witnessed account. Signed witnesses are immutable and append-only.
type SignedWitness struct {
	SignedByArbitrator    bool     `json:"signedByArbitrator"`
	AccountAgeWitnessHash HexBytes `json:"accountAgeWitnessHash"`
	Signature             HexBytes `json:"signature"`
	SignerPubKey          HexBytes `json:"signerPubKey"`
	WitnessOwnerPubKey    HexBytes `json:"witnessOwnerPubKey"`
	Date                  int64    `json:"date"` // unix millis
	TradeAmount           int64    `json:"tradeAmount"`
}

// Scheme returns the signature scheme the witness was signed with.
func (sw SignedWitness) Scheme() Scheme {
	if sw.SignedByArbitrator {
		return SchemeRecoverable
	}
	return SchemePlain
}

// Message returns the bytes covered by the signature: the hex encoded account hash.
func (sw SignedWitness) Message() []byte {
	return witnessMessage(sw.AccountAgeWitnessHash)
}

func witnessMessage(accountHash []byte) []byte {
	return []byte(hex.EncodeToString(accountHash))
}

// ID returns the hex SHA-256 of a canonical encoding of every field.
func (sw SignedWitness) ID() string {
	h := sha256.New()
	var flag byte
	if sw.SignedByArbitrator {
		flag = 1
	}
	h.Write([]byte{flag})
	for _, field := range [][]byte{sw.AccountAgeWitnessHash, sw.Signature, sw.SignerPubKey, sw.WitnessOwnerPubKey} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	var nums [16]byte
	binary.BigEndian.PutUint64(nums[:8], uint64(sw.Date))
	binary.BigEndian.PutUint64(nums[8:], uint64(sw.TradeAmount))
	h.Write(nums[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Time returns the witness date.
func (sw SignedWitness) Time() time.Time {
	return time.UnixMilli(sw.Date)
}

// Validate checks structural well-formedness. It does not verify the signature.
func (sw SignedWitness) Validate() error {
	switch {
	case len(sw.AccountAgeWitnessHash) != AccountHashSize:
		return fmt.Errorf("%w: account hash must be %d bytes, got %d", ErrInvalidWitness, AccountHashSize, len(sw.AccountAgeWitnessHash))
	case len(sw.Signature) == 0 || len(sw.Signature) > MaxSignatureSize:
		return fmt.Errorf("%w: signature size %d", ErrInvalidWitness, len(sw.Signature))
	case len(sw.SignerPubKey) == 0 || len(sw.SignerPubKey) > MaxPubKeySize:
		return fmt.Errorf("%w: signer key size %d", ErrInvalidWitness, len(sw.SignerPubKey))
	case len(sw.WitnessOwnerPubKey) == 0 || len(sw.WitnessOwnerPubKey) > MaxPubKeySize:
		return fmt.Errorf("%w: owner key size %d", ErrInvalidWitness, len(sw.WitnessOwnerPubKey))
	case sw.Date <= 0:
		return fmt.Errorf("%w: date must be positive", ErrInvalidWitness)
	case sw.TradeAmount < 0:
		return fmt.Errorf("%w: negative trade amount", ErrInvalidWitness)
	}
	return nil
}
