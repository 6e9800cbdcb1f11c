package witness

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrTradeAmountTooLow is returned when a trader tries to sign a witness for a trade
// below the policy minimum.
var ErrTradeAmountTooLow = errors.New("trade amount too low for signing")

// Signer produces witness signatures. Implementations may hold the key in memory or
// in a hardware token.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

type peerSigner struct {
	key    *ecdsa.PrivateKey
	pubKey []byte
}

// NewPeerSigner returns a plain scheme signer for a P-256 key.
func NewPeerSigner(key *ecdsa.PrivateKey) (Signer, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, errors.New("peer signer requires a P-256 key")
	}
	pub, err := key.PublicKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &peerSigner{key: key, pubKey: pub}, nil
}

func (s *peerSigner) Scheme() Scheme    { return SchemePlain }
func (s *peerSigner) PublicKey() []byte { return s.pubKey }

func (s *peerSigner) Sign(message []byte) ([]byte, error) {
	return signPlain(s.key, message)
}

type arbitratorSigner struct {
	key *ecdsa.PrivateKey
}

// NewArbitratorSigner returns a recoverable scheme signer for a secp256k1 key.
func NewArbitratorSigner(key *ecdsa.PrivateKey) (Signer, error) {
	if key == nil {
		return nil, errors.New("arbitrator signer requires a secp256k1 key")
	}
	return &arbitratorSigner{key: key}, nil
}

func (s *arbitratorSigner) Scheme() Scheme { return SchemeRecoverable }

// PublicKey returns the 33 byte compressed key.
func (s *arbitratorSigner) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

func (s *arbitratorSigner) Sign(message []byte) ([]byte, error) {
	return signRecoverable(s.key, message)
}

// GeneratePeerKey creates a new P-256 trader key.
func GeneratePeerKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// GenerateArbitratorKey creates a new secp256k1 arbitrator key.
func GenerateArbitratorKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// SignAccountAgeWitness signs aew on behalf of the account owned by ownerPubKey.
// Traders must meet policy.MinTradeAmountForSigning; arbitrators have no minimum.
func SignAccountAgeWitness(signer Signer, aew AccountAgeWitness, ownerPubKey []byte, tradeAmount int64, date time.Time, policy Policy) (SignedWitness, error) {
	byArbitrator := signer.Scheme() == SchemeRecoverable
	if !byArbitrator && tradeAmount < policy.MinTradeAmountForSigning {
		return SignedWitness{}, fmt.Errorf("%w: %d < %d", ErrTradeAmountTooLow, tradeAmount, policy.MinTradeAmountForSigning)
	}

	sig, err := signer.Sign(witnessMessage(aew.Hash))
	if err != nil {
		return SignedWitness{}, fmt.Errorf("sign witness: %w", err)
	}

	sw := SignedWitness{
		SignedByArbitrator:    byArbitrator,
		AccountAgeWitnessHash: append(HexBytes(nil), aew.Hash...),
		Signature:             sig,
		SignerPubKey:          append(HexBytes(nil), signer.PublicKey()...),
		WitnessOwnerPubKey:    append(HexBytes(nil), ownerPubKey...),
		Date:                  date.UnixMilli(),
		TradeAmount:           tradeAmount,
	}
	if err := sw.Validate(); err != nil {
		return SignedWitness{}, err
	}
	return sw, nil
}
