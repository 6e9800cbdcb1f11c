package witness

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"
)

var testEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type testNetwork struct {
	t           *testing.T
	store       *Store
	arbKey      *ecdsa.PrivateKey
	arbitrators *ArbitratorSet
	now         time.Time
}

func newTestNetwork(t *testing.T) *testNetwork {
	t.Helper()
	arbKey, err := GenerateArbitratorKey()
	if err != nil {
		t.Fatalf("Failed to generate arbitrator key: %v", err)
	}
	arb, err := NewArbitratorSigner(arbKey)
	if err != nil {
		t.Fatalf("Failed to create arbitrator signer: %v", err)
	}
	return &testNetwork{
		t:           t,
		store:       NewStore(),
		arbKey:      arbKey,
		arbitrators: NewArbitratorSet(arb.PublicKey()),
		now:         testEpoch.Add(365 * day),
	}
}

func (n *testNetwork) validator(opts ...Option) *Validator {
	n.t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return n.now })}, opts...)
	v, err := NewValidator(n.store, n.arbitrators, opts...)
	if err != nil {
		n.t.Fatalf("Failed to create validator: %v", err)
	}
	return v
}

// trader is a peer with a payment account.
type trader struct {
	key     *ecdsa.PrivateKey
	signer  Signer
	account AccountAgeWitness
}

func (n *testNetwork) newTrader(name string) *trader {
	n.t.Helper()
	key, err := GeneratePeerKey()
	if err != nil {
		n.t.Fatalf("Failed to generate peer key: %v", err)
	}
	signer, err := NewPeerSigner(key)
	if err != nil {
		n.t.Fatalf("Failed to create peer signer: %v", err)
	}
	return &trader{
		key:     key,
		signer:  signer,
		account: NewAccountAgeWitness([]byte("account-"+name), signer.PublicKey(), testEpoch),
	}
}

func (n *testNetwork) arbitratorSigner() Signer {
	n.t.Helper()
	s, err := NewArbitratorSigner(n.arbKey)
	if err != nil {
		n.t.Fatalf("Failed to create arbitrator signer: %v", err)
	}
	return s
}

// signRoot adds an arbitrator witness for owner's account.
func (n *testNetwork) signRoot(owner *trader, date time.Time) SignedWitness {
	n.t.Helper()
	return n.sign(n.arbitratorSigner(), owner, date)
}

// signPeer adds a witness signed by signer for owner's account.
func (n *testNetwork) signPeer(signer, owner *trader, date time.Time) SignedWitness {
	n.t.Helper()
	return n.sign(signer.signer, owner, date)
}

func (n *testNetwork) sign(signer Signer, owner *trader, date time.Time) SignedWitness {
	n.t.Helper()
	sw, err := SignAccountAgeWitness(signer, owner.account, owner.signer.PublicKey(), DefaultMinTradeAmountForSigning, date, DefaultPolicy())
	if err != nil {
		n.t.Fatalf("Failed to sign witness: %v", err)
	}
	n.store.Add(sw)
	return sw
}

// buildChain creates count traders linked from an arbitrator root. Trader i is
// vouched for by trader i-1, dated step apart starting at start.
func (n *testNetwork) buildChain(count int, start time.Time, step time.Duration) []*trader {
	n.t.Helper()
	traders := make([]*trader, count)
	for i := range traders {
		traders[i] = n.newTrader(fmt.Sprintf("chain-%d", i))
		date := start.Add(time.Duration(i) * step)
		if i == 0 {
			n.signRoot(traders[i], date)
		} else {
			n.signPeer(traders[i-1], traders[i], date)
		}
	}
	return traders
}

func tamper(sig HexBytes) HexBytes {
	out := append(HexBytes(nil), sig...)
	out[len(out)/2] ^= 0x01
	return out
}
