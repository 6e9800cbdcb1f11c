package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kryptonchain/bisq/src/witness"
)

// gossipRecorder is a fake peer that records gossip it receives
type gossipRecorder struct {
	mu       sync.Mutex
	received []GossipMessage
	count    int32
}

func newGossipRecorder(t *testing.T) (*gossipRecorder, string) {
	t.Helper()
	rec := &gossipRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/gossip/witness" {
			http.NotFound(w, r)
			return
		}
		var msg GossipMessage
		json.NewDecoder(r.Body).Decode(&msg)
		rec.mu.Lock()
		rec.received = append(rec.received, msg)
		rec.mu.Unlock()
		atomic.AddInt32(&rec.count, 1)
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"messageId": msg.MessageID})
	}))
	t.Cleanup(server.Close)
	return rec, strings.TrimPrefix(server.URL, "http://")
}

func (rec *gossipRecorder) messages() []GossipMessage {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]GossipMessage(nil), rec.received...)
}

// waitFor polls cond until it holds or two seconds pass
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testGossip(sw witness.SignedWitness, ttl int) GossipMessage {
	return GossipMessage{
		MessageID:    "msg-" + sw.ID()[:8],
		OriginNodeID: "origin",
		SenderNodeID: "origin",
		Timestamp:    time.Now().Unix(),
		TTL:          ttl,
		Witness:      sw,
	}
}

func TestNewGossipMessage(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	node.config.GossipTTL = 4
	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)

	msg := node.newGossipMessage(sw)

	if msg.MessageID == "" {
		t.Error("Expected MessageID to be set")
	}
	if msg.OriginNodeID != node.NodeID || msg.SenderNodeID != node.NodeID {
		t.Errorf("Expected origin and sender %s, got %s and %s", node.NodeID, msg.OriginNodeID, msg.SenderNodeID)
	}
	if msg.TTL != 4 || msg.HopCount != 0 {
		t.Errorf("Expected TTL 4 and HopCount 0, got %d and %d", msg.TTL, msg.HopCount)
	}
	if msg.Witness.ID() != sw.ID() {
		t.Error("Expected the witness to be carried unchanged")
	}
}

func TestReceiveGossip_Valid(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)

	if err := node.ReceiveGossip(context.Background(), testGossip(sw, 1)); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}
	if _, ok := node.store.Get(sw.ID()); !ok {
		t.Error("Expected gossiped witness to be stored")
	}
}

func TestReceiveGossip_DuplicateIgnored(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)
	msg := testGossip(sw, 1)

	if err := node.ReceiveGossip(context.Background(), msg); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}

	// a forged copy under the same ID is dropped before validation
	replay := msg
	replay.Witness.Signature = []byte{1}
	if err := node.ReceiveGossip(context.Background(), replay); err != nil {
		t.Errorf("Expected duplicate message to be ignored, got %v", err)
	}
	if node.store.Len() != 1 {
		t.Errorf("Expected 1 stored witness, got %d", node.store.Len())
	}
}

func TestReceiveGossip_Rejected(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)

	tests := []struct {
		name   string
		mutate func(*GossipMessage)
		want   error
	}{
		{"missing message ID", func(m *GossipMessage) { m.MessageID = "" }, ErrGossipMissingID},
		{"missing origin", func(m *GossipMessage) { m.OriginNodeID = "" }, ErrGossipMissingOrigin},
		{"from self", func(m *GossipMessage) { m.OriginNodeID = node.NodeID }, ErrGossipFromSelf},
		{"negative TTL", func(m *GossipMessage) { m.TTL = -1 }, ErrGossipInvalidTTL},
		{"bad signature", func(m *GossipMessage) { m.Witness.Signature = make([]byte, 64) }, ErrInvalidSignature},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := testGossip(sw, 2)
			msg.MessageID += "-" + tc.name
			tc.mutate(&msg)
			if err := node.ReceiveGossip(context.Background(), msg); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	if node.store.Len() != 0 {
		t.Errorf("Expected no stored witnesses, got %d", node.store.Len())
	}
}

func TestReceiveGossipHandler(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	router := setupTestRouter(node)
	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)

	w := doRequest(t, router, "POST", "/api/v1/gossip/witness", testGossip(sw, 1))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var data map[string]string
	decodeEnvelope(t, w, true, &data)
	if data["messageId"] != testGossip(sw, 1).MessageID {
		t.Errorf("Expected messageId echoed, got %v", data)
	}

	invalid := testGossip(sw, 1)
	invalid.MessageID = ""
	w = doRequest(t, router, "POST", "/api/v1/gossip/witness", invalid)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if apiErr := decodeEnvelope(t, w, false, nil); apiErr == nil || apiErr.Code != "INVALID_GOSSIP" {
		t.Errorf("Expected INVALID_GOSSIP, got %+v", apiErr)
	}
}

func TestGossipForwarding_TTLDecremented(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["forwardTarget"] = Node{ID: "forwardTarget", Address: address}

	msg := testGossip(signFor(t, arb, newTestPeer(t, "alice"), 10*day), 3)
	msg.HopCount = 1
	if err := node.ReceiveGossip(context.Background(), msg); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}

	waitFor(t, "forwarded gossip", func() bool { return atomic.LoadInt32(&rec.count) == 1 })

	forwarded := rec.messages()[0]
	if forwarded.TTL != 2 {
		t.Errorf("Expected TTL to be decremented to 2, got %d", forwarded.TTL)
	}
	if forwarded.HopCount != 2 {
		t.Errorf("Expected HopCount to be incremented to 2, got %d", forwarded.HopCount)
	}
	if forwarded.MessageID != msg.MessageID || forwarded.OriginNodeID != "origin" {
		t.Error("MessageID and origin should be preserved during forwarding")
	}
	if forwarded.SenderNodeID != node.NodeID {
		t.Errorf("Expected sender %s, got %s", node.NodeID, forwarded.SenderNodeID)
	}
}

func TestGossipForwarding_LastHopNotForwarded(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["forwardTarget"] = Node{ID: "forwardTarget", Address: address}

	msg := testGossip(signFor(t, arb, newTestPeer(t, "alice"), 10*day), 1)
	if err := node.ReceiveGossip(context.Background(), msg); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&rec.count) != 0 {
		t.Error("Gossip with TTL=1 should not be forwarded")
	}
}

func TestGossipForwarding_NotForwardedBackToOriginator(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	originRec, originAddr := newGossipRecorder(t)
	senderRec, senderAddr := newGossipRecorder(t)
	node.KnownNodes["origin"] = Node{ID: "origin", Address: originAddr}
	node.KnownNodes["relay"] = Node{ID: "relay", Address: senderAddr}

	msg := testGossip(signFor(t, arb, newTestPeer(t, "alice"), 10*day), 3)
	msg.SenderNodeID = "relay"
	if err := node.ReceiveGossip(context.Background(), msg); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&originRec.count) != 0 {
		t.Error("Gossip should not be forwarded back to originator")
	}
	if atomic.LoadInt32(&senderRec.count) != 0 {
		t.Error("Gossip should not be forwarded back to the sender")
	}
}

func TestGossipForwarding_KnownWitnessNotForwarded(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["forwardTarget"] = Node{ID: "forwardTarget", Address: address}

	sw := signFor(t, arb, newTestPeer(t, "alice"), 10*day)
	if _, err := node.AddWitness(sw, SourceAPI); err != nil {
		t.Fatalf("AddWitness failed: %v", err)
	}

	if err := node.ReceiveGossip(context.Background(), testGossip(sw, 3)); err != nil {
		t.Fatalf("Failed to receive gossip: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&rec.count) != 0 {
		t.Error("A witness already stored should not be forwarded again")
	}
}

func TestBroadcastWitness(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec1, addr1 := newGossipRecorder(t)
	rec2, addr2 := newGossipRecorder(t)
	node.KnownNodes["peer1"] = Node{ID: "peer1", Address: addr1}
	node.KnownNodes["peer2"] = Node{ID: "peer2", Address: addr2}
	node.KnownNodes[node.NodeID] = Node{ID: node.NodeID, Address: "127.0.0.1:1"}

	msg := node.newGossipMessage(signFor(t, arb, newTestPeer(t, "alice"), 10*day))
	if err := node.BroadcastWitness(context.Background(), msg, "peer2"); err != nil {
		t.Fatalf("BroadcastWitness failed: %v", err)
	}

	if got := atomic.LoadInt32(&rec1.count); got != 1 {
		t.Errorf("Expected peer1 to receive 1 message, got %d", got)
	}
	if atomic.LoadInt32(&rec2.count) != 0 {
		t.Error("Expected excluded peer2 to receive nothing")
	}
}

func TestBroadcastWitness_ReportsFailures(t *testing.T) {
	node := newTestNode(t)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusBadRequest, "INVALID_GOSSIP", "rejected")
	}))
	defer failing.Close()
	rec, address := newGossipRecorder(t)

	node.KnownNodes["bad"] = Node{ID: "bad", Address: strings.TrimPrefix(failing.URL, "http://")}
	node.KnownNodes["good"] = Node{ID: "good", Address: address}

	msg := node.newGossipMessage(signFor(t, newTestArbitrator(t), newTestPeer(t, "alice"), day))
	if err := node.BroadcastWitness(context.Background(), msg); err == nil {
		t.Error("Expected error from failing peer")
	}
	if atomic.LoadInt32(&rec.count) != 1 {
		t.Error("Expected the healthy peer to still receive the message")
	}
}

func TestSignWitnessBroadcasts(t *testing.T) {
	node := newTestNode(t)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["peer"] = Node{ID: "peer", Address: address}
	bob := newTestPeer(t, "bob")

	sw, err := node.SignWitness(context.Background(), bob.account, bob.signer.PublicKey(),
		int64(witness.DefaultMinTradeAmountForSigning))
	if err != nil {
		t.Fatalf("SignWitness failed: %v", err)
	}

	waitFor(t, "broadcast", func() bool { return atomic.LoadInt32(&rec.count) == 1 })

	got := rec.messages()[0]
	if got.Witness.ID() != sw.ID() || got.OriginNodeID != node.NodeID {
		t.Errorf("Unexpected broadcast %+v", got)
	}
}

func TestSubmitWitnessBroadcasts(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["peer"] = Node{ID: "peer", Address: address}
	root := signFor(t, arb, newTestPeer(t, "alice"), 100*day)

	added, err := node.SubmitWitness(context.Background(), root)
	if err != nil || !added {
		t.Fatalf("Expected witness to be added, got added=%v err=%v", added, err)
	}
	waitFor(t, "broadcast", func() bool { return atomic.LoadInt32(&rec.count) == 1 })

	got := rec.messages()[0]
	if got.Witness.ID() != root.ID() || got.OriginNodeID != node.NodeID {
		t.Errorf("Unexpected broadcast %+v", got)
	}

	added, err = node.SubmitWitness(context.Background(), root)
	if err != nil || added {
		t.Fatalf("Expected duplicate to be ignored, got added=%v err=%v", added, err)
	}
	forged := signFor(t, arb, newTestPeer(t, "bob"), 100*day)
	forged.Signature = root.Signature
	if _, err := node.SubmitWitness(context.Background(), forged); err == nil {
		t.Fatal("Expected forged witness to be rejected")
	}

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&rec.count); n != 1 {
		t.Errorf("Expected only the new witness to be gossiped, got %d messages", n)
	}
}

func TestSubmitWitnessHandlerBroadcasts(t *testing.T) {
	arb := newTestArbitrator(t)
	node := newTestNode(t, arb)
	rec, address := newGossipRecorder(t)
	node.KnownNodes["peer"] = Node{ID: "peer", Address: address}
	router := setupTestRouter(node)
	root := signFor(t, arb, newTestPeer(t, "alice"), 100*day)

	w := doRequest(t, router, "POST", "/api/v1/witnesses", root)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	waitFor(t, "broadcast", func() bool { return atomic.LoadInt32(&rec.count) == 1 })
	if rec.messages()[0].Witness.ID() != root.ID() {
		t.Error("Expected the submitted witness to be gossiped")
	}
}

func TestGossipIntegration_MultiNode(t *testing.T) {
	arb := newTestArbitrator(t)
	cfg := newTestConfig(arb)
	cfg.GossipTTL = 2

	node1 := newTestNodeWithConfig(t, cfg)
	node2 := newTestNodeWithConfig(t, cfg)
	node3 := newTestNodeWithConfig(t, cfg)

	server1 := httptest.NewServer(setupTestRouter(node1))
	server2 := httptest.NewServer(setupTestRouter(node2))
	server3 := httptest.NewServer(setupTestRouter(node3))
	defer server1.Close()
	defer server2.Close()
	defer server3.Close()

	addr1 := strings.TrimPrefix(server1.URL, "http://")
	addr2 := strings.TrimPrefix(server2.URL, "http://")
	addr3 := strings.TrimPrefix(server3.URL, "http://")

	// node1 -> node2 -> node3
	node1.KnownNodes[node2.NodeID] = Node{ID: node2.NodeID, Address: addr2}

	node2.KnownNodesMutex.Lock()
	node2.KnownNodes[node1.NodeID] = Node{ID: node1.NodeID, Address: addr1}
	node2.KnownNodes[node3.NodeID] = Node{ID: node3.NodeID, Address: addr3}
	node2.KnownNodesMutex.Unlock()

	node3.KnownNodesMutex.Lock()
	node3.KnownNodes[node2.NodeID] = Node{ID: node2.NodeID, Address: addr2}
	node3.KnownNodesMutex.Unlock()

	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	root := signFor(t, arb, alice, 100*day)
	for _, n := range []*WitnessNode{node1, node2, node3} {
		if _, err := n.AddWitness(root, SourceAPI); err != nil {
			t.Fatalf("AddWitness failed: %v", err)
		}
	}

	// node1 signs as a trader; the witness reaches node3 through node2
	sw, err := witness.SignAccountAgeWitness(alice.signer, bob.account, bob.signer.PublicKey(),
		int64(witness.DefaultMinTradeAmountForSigning), time.Now().Add(-60*day), cfg.Policy())
	if err != nil {
		t.Fatalf("Failed to sign witness: %v", err)
	}
	if _, err := node1.AddWitness(sw, SourceLocal); err != nil {
		t.Fatalf("AddWitness failed: %v", err)
	}
	if err := node1.BroadcastWitness(context.Background(), node1.newGossipMessage(sw)); err != nil {
		t.Fatalf("BroadcastWitness failed: %v", err)
	}

	waitFor(t, "node3 to store the witness", func() bool {
		_, ok := node3.store.Get(sw.ID())
		return ok
	})

	if !node3.EvaluateTrust(context.Background(), bob.account).Trusted {
		t.Error("Expected node3 to trust bob after gossip")
	}
}
