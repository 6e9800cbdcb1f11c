package witness

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestHashAccountData(t *testing.T) {
	h := HashAccountData([]byte("account"), []byte("owner"))
	if len(h) != AccountHashSize {
		t.Fatalf("Expected %d byte hash, got %d", AccountHashSize, len(h))
	}
	if string(h) == string(HashAccountData([]byte("account"), []byte("other"))) {
		t.Error("Different owners produced the same hash")
	}
}

func TestSignedWitnessJSON(t *testing.T) {
	sw := testWitness(0xab, "alice", "bob", 1000)
	data, err := json.Marshal(sw)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if !strings.Contains(string(data), `"accountAgeWitnessHash":"abab`) {
		t.Errorf("Expected hex encoded hash in %s", data)
	}

	var decoded SignedWitness
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if decoded.ID() != sw.ID() {
		t.Error("Decoded witness differs from original")
	}

	if err := json.Unmarshal([]byte(`{"signature":"zz"}`), &decoded); err == nil {
		t.Error("Expected error for invalid hex")
	}
}

func TestSignedWitnessIDCoversEveryField(t *testing.T) {
	base := testWitness(1, "alice", "bob", 1000)
	variants := map[string]func(*SignedWitness){
		"arbitrator flag": func(sw *SignedWitness) { sw.SignedByArbitrator = true },
		"account hash":    func(sw *SignedWitness) { sw.AccountAgeWitnessHash[0] = 2 },
		"signature":       func(sw *SignedWitness) { sw.Signature = []byte("other") },
		"signer":          func(sw *SignedWitness) { sw.SignerPubKey = []byte("carol") },
		"owner":           func(sw *SignedWitness) { sw.WitnessOwnerPubKey = []byte("carol") },
		"date":            func(sw *SignedWitness) { sw.Date++ },
		"trade amount":    func(sw *SignedWitness) { sw.TradeAmount++ },
	}

	for name, modify := range variants {
		sw := cloneWitness(base)
		modify(&sw)
		if sw.ID() == base.ID() {
			t.Errorf("Changing %s did not change the ID", name)
		}
	}
}

func TestSignedWitnessValidate(t *testing.T) {
	if err := testWitness(1, "alice", "bob", 1000).Validate(); err != nil {
		t.Fatalf("Expected valid witness, got %v", err)
	}

	tests := []struct {
		name   string
		modify func(*SignedWitness)
	}{
		{"short hash", func(sw *SignedWitness) { sw.AccountAgeWitnessHash = sw.AccountAgeWitnessHash[:10] }},
		{"empty signature", func(sw *SignedWitness) { sw.Signature = nil }},
		{"oversized signature", func(sw *SignedWitness) { sw.Signature = make([]byte, MaxSignatureSize+1) }},
		{"empty signer", func(sw *SignedWitness) { sw.SignerPubKey = nil }},
		{"empty owner", func(sw *SignedWitness) { sw.WitnessOwnerPubKey = nil }},
		{"zero date", func(sw *SignedWitness) { sw.Date = 0 }},
		{"negative amount", func(sw *SignedWitness) { sw.TradeAmount = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := testWitness(1, "alice", "bob", 1000)
			tt.modify(&sw)
			if err := sw.Validate(); !errors.Is(err, ErrInvalidWitness) {
				t.Errorf("Expected ErrInvalidWitness, got %v", err)
			}
		})
	}
}
