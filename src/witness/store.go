package witness

import (
	"encoding/hex"
	"sort"
	"sync"
)

// Store is the in-memory index of signed witnesses. Witnesses are append-only;
// the same witness added twice is stored once.
type Store struct {
	mu        sync.RWMutex
	witnesses map[string]SignedWitness
	// secondary indexes: hex key -> set of witness IDs
	byAccount map[string]map[string]struct{}
	bySigner  map[string]map[string]struct{}
	byOwner   map[string]map[string]struct{}

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(SignedWitness)
	nextListener uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		witnesses: make(map[string]SignedWitness),
		byAccount: make(map[string]map[string]struct{}),
		bySigner:  make(map[string]map[string]struct{}),
		byOwner:   make(map[string]map[string]struct{}),
		listeners: make(map[uint64]func(SignedWitness)),
	}
}

// Add inserts sw and reports whether it was not already present. Subscribers are
// notified of new witnesses after the store lock is released.
func (s *Store) Add(sw SignedWitness) bool {
	id := sw.ID()

	s.mu.Lock()
	if _, exists := s.witnesses[id]; exists {
		s.mu.Unlock()
		return false
	}
	sw = cloneWitness(sw)
	s.witnesses[id] = sw
	addToIndex(s.byAccount, hex.EncodeToString(sw.AccountAgeWitnessHash), id)
	addToIndex(s.bySigner, hex.EncodeToString(sw.SignerPubKey), id)
	addToIndex(s.byOwner, hex.EncodeToString(sw.WitnessOwnerPubKey), id)
	s.mu.Unlock()

	s.notify(sw)
	return true
}

// CandidatesFor returns all witnesses claiming to vouch for the account hash.
func (s *Store) CandidatesFor(accountHash []byte) []SignedWitness {
	return s.lookup(s.byAccount, accountHash)
}

// CandidatesSignedBy returns all witnesses signed by pubKey.
func (s *Store) CandidatesSignedBy(pubKey []byte) []SignedWitness {
	return s.lookup(s.bySigner, pubKey)
}

// CandidatesOwnedBy returns all witnesses vouching for the account owned by pubKey.
func (s *Store) CandidatesOwnedBy(pubKey []byte) []SignedWitness {
	return s.lookup(s.byOwner, pubKey)
}

// Get returns the witness with the given ID.
func (s *Store) Get(id string) (SignedWitness, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, ok := s.witnesses[id]
	if !ok {
		return SignedWitness{}, false
	}
	return cloneWitness(sw), true
}

// All returns every stored witness ordered by date then ID.
func (s *Store) All() []SignedWitness {
	s.mu.RLock()
	keyed := make([]keyedWitness, 0, len(s.witnesses))
	for id, sw := range s.witnesses {
		keyed = append(keyed, keyedWitness{id: id, sw: cloneWitness(sw)})
	}
	s.mu.RUnlock()

	return sortKeyed(keyed)
}

// Len returns the number of stored witnesses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.witnesses)
}

// Subscribe registers fn to be called for every newly added witness. The returned
// function removes the registration; the caller owns the listener's lifetime.
func (s *Store) Subscribe(fn func(SignedWitness)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) notify(sw SignedWitness) {
	s.listenersMu.RLock()
	fns := make([]func(SignedWitness), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(cloneWitness(sw))
	}
}

func (s *Store) lookup(index map[string]map[string]struct{}, key []byte) []SignedWitness {
	s.mu.RLock()
	ids := index[hex.EncodeToString(key)]
	keyed := make([]keyedWitness, 0, len(ids))
	for id := range ids {
		keyed = append(keyed, keyedWitness{id: id, sw: cloneWitness(s.witnesses[id])})
	}
	s.mu.RUnlock()

	return sortKeyed(keyed)
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, exists := index[key]
	if !exists {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

type keyedWitness struct {
	id string
	sw SignedWitness
}

// sortKeyed orders oldest first, ties broken by ID, so traversal is reproducible.
func sortKeyed(keyed []keyedWitness) []SignedWitness {
	sort.Slice(keyed, func(i, j int) bool {
		if keyed[i].sw.Date != keyed[j].sw.Date {
			return keyed[i].sw.Date < keyed[j].sw.Date
		}
		return keyed[i].id < keyed[j].id
	})
	result := make([]SignedWitness, len(keyed))
	for i := range keyed {
		result[i] = keyed[i].sw
	}
	return result
}

func cloneWitness(sw SignedWitness) SignedWitness {
	sw.AccountAgeWitnessHash = append(HexBytes(nil), sw.AccountAgeWitnessHash...)
	sw.Signature = append(HexBytes(nil), sw.Signature...)
	sw.SignerPubKey = append(HexBytes(nil), sw.SignerPubKey...)
	sw.WitnessOwnerPubKey = append(HexBytes(nil), sw.WitnessOwnerPubKey...)
	return sw
}
