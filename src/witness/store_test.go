package witness

import (
	"bytes"
	"sync"
	"testing"
)

func testWitness(hash byte, signer, owner string, date int64) SignedWitness {
	return SignedWitness{
		AccountAgeWitnessHash: bytes.Repeat([]byte{hash}, AccountHashSize),
		Signature:             []byte("sig-" + signer + "-" + owner),
		SignerPubKey:          []byte(signer),
		WitnessOwnerPubKey:    []byte(owner),
		Date:                  date,
		TradeAmount:           DefaultMinTradeAmountForSigning,
	}
}

func TestStoreAddIsIdempotent(t *testing.T) {
	s := NewStore()
	sw := testWitness(1, "alice", "bob", 1000)

	if !s.Add(sw) {
		t.Error("First add should report a new witness")
	}
	if s.Add(sw) {
		t.Error("Second add should report no change")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 witness, got %d", s.Len())
	}
}

func TestStoreKeepsWitnessesDifferingOnlyInOwner(t *testing.T) {
	s := NewStore()
	sw := testWitness(1, "alice", "bob", 1000)
	copied := sw
	copied.WitnessOwnerPubKey = []byte("mallory")

	s.Add(sw)
	if !s.Add(copied) {
		t.Error("Witness with a different owner should be stored separately")
	}
	if got := len(s.CandidatesFor(sw.AccountAgeWitnessHash)); got != 2 {
		t.Errorf("Expected 2 candidates, got %d", got)
	}
}

func TestStoreIndexes(t *testing.T) {
	s := NewStore()
	s.Add(testWitness(1, "alice", "bob", 3000))
	s.Add(testWitness(1, "carol", "bob", 1000))
	s.Add(testWitness(2, "alice", "dave", 2000))

	forAccount := s.CandidatesFor(bytes.Repeat([]byte{1}, AccountHashSize))
	if len(forAccount) != 2 {
		t.Fatalf("Expected 2 candidates for account, got %d", len(forAccount))
	}
	if forAccount[0].Date != 1000 || forAccount[1].Date != 3000 {
		t.Errorf("Expected candidates ordered oldest first, got %d then %d", forAccount[0].Date, forAccount[1].Date)
	}

	if got := len(s.CandidatesSignedBy([]byte("alice"))); got != 2 {
		t.Errorf("Expected 2 witnesses signed by alice, got %d", got)
	}
	if got := len(s.CandidatesOwnedBy([]byte("bob"))); got != 2 {
		t.Errorf("Expected 2 witnesses owned by bob, got %d", got)
	}
	if got := len(s.CandidatesOwnedBy([]byte("nobody"))); got != 0 {
		t.Errorf("Expected no witnesses for unknown owner, got %d", got)
	}
	if got := len(s.All()); got != 3 {
		t.Errorf("Expected 3 witnesses in total, got %d", got)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	sw := testWitness(1, "alice", "bob", 1000)
	s.Add(sw)

	// mutate the caller's slices after adding
	sw.SignerPubKey[0] = 'X'

	got := s.CandidatesFor(sw.AccountAgeWitnessHash)[0]
	if string(got.SignerPubKey) != "alice" {
		t.Errorf("Store was affected by caller mutation: %q", got.SignerPubKey)
	}

	got.Signature[0] = 'X'
	if _, ok := s.Get(got.ID()); ok {
		t.Error("Mutated copy should have a different ID")
	}
	again := s.CandidatesFor(sw.AccountAgeWitnessHash)[0]
	if again.Signature[0] == 'X' {
		t.Error("Store was affected by mutation of a returned witness")
	}
}

func TestStoreGet(t *testing.T) {
	s := NewStore()
	sw := testWitness(1, "alice", "bob", 1000)
	s.Add(sw)

	got, ok := s.Get(sw.ID())
	if !ok {
		t.Fatal("Expected witness to be found by ID")
	}
	if got.ID() != sw.ID() {
		t.Error("Returned witness has a different ID")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Expected missing ID not to be found")
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	var mu sync.Mutex
	var received []SignedWitness

	unsubscribe := s.Subscribe(func(sw SignedWitness) {
		mu.Lock()
		received = append(received, sw)
		mu.Unlock()
	})

	sw := testWitness(1, "alice", "bob", 1000)
	s.Add(sw)
	s.Add(sw)

	mu.Lock()
	if len(received) != 1 {
		t.Errorf("Expected 1 notification, got %d", len(received))
	}
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	s.Add(testWitness(2, "alice", "carol", 2000))

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Errorf("Expected no notification after unsubscribe, got %d", len(received))
	}
}

func TestStoreListenerMayReadStore(t *testing.T) {
	s := NewStore()
	var seen int
	s.Subscribe(func(sw SignedWitness) {
		seen = len(s.CandidatesFor(sw.AccountAgeWitnessHash))
	})

	s.Add(testWitness(1, "alice", "bob", 1000))
	if seen != 1 {
		t.Errorf("Listener should observe the added witness, saw %d", seen)
	}
}
