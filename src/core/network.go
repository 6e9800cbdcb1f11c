package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kryptonchain/bisq/src/witness"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentBroadcasts bounds outstanding gossip requests per broadcast
const maxConcurrentBroadcasts = 8

// GossipMessage carries a signed witness between nodes
type GossipMessage struct {
	MessageID    string                `json:"messageId"`
	OriginNodeID string                `json:"originNodeId"`
	SenderNodeID string                `json:"senderNodeId"`
	Timestamp    int64                 `json:"timestamp"`
	TTL          int                   `json:"ttl"`
	HopCount     int                   `json:"hopCount"`
	Witness      witness.SignedWitness `json:"witness"`
}

// Gossip errors
var (
	ErrGossipFromSelf      = errors.New("gossip originated from this node")
	ErrGossipMissingID     = errors.New("gossip message ID is required")
	ErrGossipMissingOrigin = errors.New("gossip origin node ID is required")
	ErrGossipInvalidTTL    = errors.New("gossip TTL must not be negative")
)

// apiResponse is the envelope every node endpoint returns
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error,omitempty"`
}

// DiscoverNodes asks each seed for its known nodes and records them
func (node *WitnessNode) DiscoverNodes(ctx context.Context, seedNodes []string) {
	for _, seedAddress := range seedNodes {
		nodes, err := node.fetchNodes(ctx, seedAddress)
		if err != nil {
			logger.Warn("Failed to query seed node", "seedAddress", seedAddress, "error", err)
			continue
		}

		node.KnownNodesMutex.Lock()
		for _, discovered := range nodes {
			if discovered.ID == "" || discovered.ID == node.NodeID {
				continue
			}
			discovered.LastSeen = time.Now().Unix()
			node.KnownNodes[discovered.ID] = discovered
			logger.Info("Discovered node", "nodeId", discovered.ID, "address", discovered.Address)
		}
		UpdateConnectedNodesGauge(len(node.KnownNodes))
		node.KnownNodesMutex.Unlock()
	}
}

func (node *WitnessNode) fetchNodes(ctx context.Context, address string) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/api/v1/nodes", address), nil)
	if err != nil {
		return nil, err
	}

	resp, err := node.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	var payload struct {
		Nodes []Node `json:"nodes"`
	}
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}
	return payload.Nodes, nil
}

// RunDiscovery repeats DiscoverNodes every interval until ctx is done
func (node *WitnessNode) RunDiscovery(ctx context.Context, seedNodes []string, interval time.Duration) {
	node.DiscoverNodes(ctx, seedNodes)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node.DiscoverNodes(ctx, seedNodes)
		}
	}
}

// knownNodesExcept returns known nodes other than the listed IDs
func (node *WitnessNode) knownNodesExcept(exclude ...string) []Node {
	node.KnownNodesMutex.RLock()
	defer node.KnownNodesMutex.RUnlock()

	nodes := make([]Node, 0, len(node.KnownNodes))
	for id, n := range node.KnownNodes {
		skip := id == node.NodeID
		for _, ex := range exclude {
			if id == ex {
				skip = true
				break
			}
		}
		if !skip {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (node *WitnessNode) newGossipMessage(sw witness.SignedWitness) GossipMessage {
	return GossipMessage{
		MessageID:    uuid.New().String(),
		OriginNodeID: node.NodeID,
		SenderNodeID: node.NodeID,
		Timestamp:    time.Now().Unix(),
		TTL:          node.config.GossipTTL,
		HopCount:     0,
		Witness:      sw,
	}
}

// markSeen records a gossip message ID and reports whether it was already seen
func (node *WitnessNode) markSeen(messageID string) bool {
	seen, _ := node.seenGossip.ContainsOrAdd(messageID, struct{}{})
	return seen
}

// ReceiveGossip ingests a gossiped witness and forwards it while TTL remains.
// Messages already seen are ignored without error.
func (node *WitnessNode) ReceiveGossip(ctx context.Context, msg GossipMessage) error {
	switch {
	case msg.MessageID == "":
		return ErrGossipMissingID
	case msg.OriginNodeID == "":
		return ErrGossipMissingOrigin
	case msg.OriginNodeID == node.NodeID:
		return ErrGossipFromSelf
	case msg.TTL < 0:
		return ErrGossipInvalidTTL
	}

	if node.markSeen(msg.MessageID) {
		RecordGossip("received", "duplicate")
		logger.Debug("Ignoring duplicate gossip", "messageId", msg.MessageID)
		return nil
	}

	added, err := node.AddWitness(msg.Witness, SourceGossip)
	if err != nil {
		RecordGossip("received", "rejected")
		return err
	}
	if !added {
		// already stored, so already forwarded once
		RecordGossip("received", "known_witness")
		return nil
	}
	RecordGossip("received", "accepted")

	if msg.SenderNodeID != "" {
		node.KnownNodesMutex.Lock()
		if known, exists := node.KnownNodes[msg.SenderNodeID]; exists {
			known.LastSeen = time.Now().Unix()
			node.KnownNodes[msg.SenderNodeID] = known
		}
		node.KnownNodesMutex.Unlock()
	}

	if msg.TTL <= 1 {
		return nil
	}

	forward := msg
	forward.TTL--
	forward.HopCount++
	forward.SenderNodeID = node.NodeID
	go func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), node.config.HTTPClientTimeout)
		defer cancel()
		if err := node.BroadcastWitness(fctx, forward, msg.OriginNodeID, msg.SenderNodeID); err != nil {
			logger.Debug("Failed to forward gossip", "messageId", msg.MessageID, "error", err)
		}
	}()
	return nil
}

// BroadcastWitness sends msg to every known node except the excluded IDs. Every
// target is attempted; the first failure is returned.
func (node *WitnessNode) BroadcastWitness(ctx context.Context, msg GossipMessage, exclude ...string) error {
	targets := node.knownNodesExcept(exclude...)
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal gossip: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentBroadcasts)
	for _, target := range targets {
		g.Go(func() error {
			if err := node.sendGossip(ctx, target, body); err != nil {
				RecordGossip("sent", "failed")
				logger.Debug("Failed to send gossip",
					"targetNodeId", target.ID,
					"targetAddress", target.Address,
					"error", err)
				return fmt.Errorf("gossip to %s: %w", target.ID, err)
			}
			RecordGossip("sent", "delivered")
			return nil
		})
	}
	return g.Wait()
}

func (node *WitnessNode) sendGossip(ctx context.Context, target Node, body []byte) error {
	url := fmt.Sprintf("http://%s/api/v1/gossip/witness", target.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	signOutgoing(req, body, node.config.NodeAuthSecret)

	resp, err := node.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
