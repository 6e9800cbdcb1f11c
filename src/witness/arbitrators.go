package witness

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ArbitratorRegistry answers whether a public key belongs to a recognised
// arbitrator. Root witnesses are only trusted when their signer is recognised.
type ArbitratorRegistry interface {
	IsArbitratorKey(pubKey []byte) bool
}

// ArbitratorSet is an immutable ArbitratorRegistry. Compressed and uncompressed
// encodings of the same secp256k1 key are treated as equal.
type ArbitratorSet struct {
	keys map[string]struct{}
}

// NewArbitratorSet builds a set from raw public keys.
func NewArbitratorSet(keys ...[]byte) *ArbitratorSet {
	set := &ArbitratorSet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		set.keys[normalizeArbitratorKey(k)] = struct{}{}
	}
	return set
}

// ParseArbitratorSet builds a set from hex encoded public keys.
func ParseArbitratorSet(hexKeys []string) (*ArbitratorSet, error) {
	keys := make([][]byte, 0, len(hexKeys))
	for _, hk := range hexKeys {
		hk = strings.TrimSpace(hk)
		if hk == "" {
			continue
		}
		k, err := hex.DecodeString(hk)
		if err != nil {
			return nil, fmt.Errorf("decode arbitrator key %q: %w", hk, err)
		}
		if _, err := parseSecp256k1PubKey(k); err != nil {
			return nil, fmt.Errorf("arbitrator key %q: %w", hk, err)
		}
		keys = append(keys, k)
	}
	return NewArbitratorSet(keys...), nil
}

// IsArbitratorKey implements ArbitratorRegistry.
func (s *ArbitratorSet) IsArbitratorKey(pubKey []byte) bool {
	if s == nil {
		return false
	}
	_, ok := s.keys[normalizeArbitratorKey(pubKey)]
	return ok
}

// Len returns the number of recognised keys.
func (s *ArbitratorSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

func normalizeArbitratorKey(k []byte) string {
	if pub, err := parseSecp256k1PubKey(k); err == nil {
		return hex.EncodeToString(crypto.CompressPubkey(pub))
	}
	return hex.EncodeToString(k)
}
