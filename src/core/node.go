package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kryptonchain/bisq/src/witness"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Package-level logger, replaced by initLogger at startup
var logger = slog.New(slog.DiscardHandler)

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// Witness sources for metrics and logs
const (
	SourceAPI      = "api"
	SourceGossip   = "gossip"
	SourceSnapshot = "snapshot"
	SourceLocal    = "local"
	SourceDatabase = "database"
)

// seenGossipCacheSize bounds the gossip message dedup set
const seenGossipCacheSize = 10000

// ErrInvalidSignature is returned when a received witness does not verify
var ErrInvalidSignature = errors.New("signed witness signature does not verify")

// Node is a known peer
type Node struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	LastSeen int64  `json:"lastSeen"`
}

// WitnessNode is the main server structure
type WitnessNode struct {
	NodeID    string
	StartTime time.Time

	config      *Config
	signer      witness.Signer
	store       *witness.Store
	arbitrators *witness.ArbitratorSet
	validator   *witness.Validator
	db          *WitnessDB
	ipfs        IPFSClient

	KnownNodes      map[string]Node
	KnownNodesMutex sync.RWMutex

	// gossip message IDs already handled
	seenGossip *lru.Cache[string, struct{}]

	httpClient  *http.Client
	server      *http.Server
	unsubscribe []func()
}

// NewWitnessNode builds a node around signer using cfg
func NewWitnessNode(cfg *Config, signer witness.Signer) (*WitnessNode, error) {
	if signer == nil {
		return nil, fmt.Errorf("node signer is required")
	}

	arbitrators, err := witness.ParseArbitratorSet(cfg.ArbitratorKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to load arbitrator keys: %w", err)
	}

	store := witness.NewStore()
	validator, err := witness.NewValidator(store, arbitrators,
		witness.WithPolicy(cfg.Policy()),
		witness.WithLogger(logger.With("component", "validator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	seen, err := lru.New[string, struct{}](seenGossipCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossip cache: %w", err)
	}

	// Node ID is derived from the signing key
	nodeID := fmt.Sprintf("%x", sha256.Sum256(signer.PublicKey()))[:16]

	var ipfs IPFSClient = NoOpIPFSClient{}
	if cfg.IPFSAPIURL != "" {
		ipfs = NewHTTPIPFSClient(cfg.IPFSAPIURL, &http.Client{Timeout: cfg.HTTPClientTimeout})
	}

	node := &WitnessNode{
		NodeID:      nodeID,
		StartTime:   time.Now(),
		config:      cfg,
		signer:      signer,
		store:       store,
		arbitrators: arbitrators,
		validator:   validator,
		ipfs:        ipfs,
		KnownNodes:  make(map[string]Node),
		seenGossip:  seen,
		httpClient: &http.Client{
			Timeout:   cfg.HTTPClientTimeout,
			Transport: instrumentedTransport(),
		},
	}

	node.unsubscribe = append(node.unsubscribe, store.Subscribe(func(witness.SignedWitness) {
		UpdateStoredWitnessesGauge(store.Len())
	}))

	logger.Info("Initialized witness node",
		"nodeId", nodeID,
		"scheme", signer.Scheme().String(),
		"arbitrators", arbitrators.Len())
	return node, nil
}

// AddWitness validates sw and adds it to the store. It reports whether the witness
// was new; duplicates are not an error.
func (node *WitnessNode) AddWitness(sw witness.SignedWitness, source string) (bool, error) {
	if err := sw.Validate(); err != nil {
		RecordWitnessIngested(source, IngestRejected)
		return false, err
	}
	if !witness.VerifyWitness(sw) {
		RecordWitnessIngested(source, IngestRejected)
		logger.Warn("Rejected signed witness with invalid signature",
			"source", source,
			"witnessId", sw.ID())
		return false, ErrInvalidSignature
	}

	if !node.store.Add(sw) {
		RecordWitnessIngested(source, IngestDuplicate)
		return false, nil
	}

	RecordWitnessIngested(source, IngestAccepted)
	logger.Debug("Added signed witness",
		"source", source,
		"witnessId", sw.ID(),
		"accountHash", sw.AccountAgeWitnessHash.String(),
		"signedByArbitrator", sw.SignedByArbitrator)
	return true, nil
}

// SubmitWitness ingests a client-submitted witness and gossips it to known nodes
// when it is new.
func (node *WitnessNode) SubmitWitness(ctx context.Context, sw witness.SignedWitness) (bool, error) {
	added, err := node.AddWitness(sw, SourceAPI)
	if err != nil || !added {
		return added, err
	}
	node.announce(ctx, sw)
	return true, nil
}

// announce starts gossip of a witness that originates at this node. The broadcast
// outlives the request that produced the witness.
func (node *WitnessNode) announce(ctx context.Context, sw witness.SignedWitness) {
	msg := node.newGossipMessage(sw)
	node.markSeen(msg.MessageID)
	go func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), node.config.HTTPClientTimeout)
		defer cancel()
		if err := node.BroadcastWitness(bctx, msg); err != nil {
			logger.Warn("Failed to broadcast witness", "witnessId", sw.ID(), "error", err)
		}
	}()
}

// EvaluateTrust runs chain validation for aew inside a trace span
func (node *WitnessNode) EvaluateTrust(ctx context.Context, aew witness.AccountAgeWitness) witness.Verdict {
	_, span := tracer.Start(ctx, "witness.EvaluateTrust")
	defer span.End()

	start := time.Now()
	verdict := node.validator.Evaluate(aew)
	RecordValidation(verdict, time.Since(start))

	span.SetAttributes(
		attribute.String("witness.account_hash", aew.Hash.String()),
		attribute.Bool("witness.trusted", verdict.Trusted),
		attribute.Int("witness.chain_length", verdict.ChainLength),
		attribute.Int("witness.links_visited", verdict.LinksVisited),
		attribute.Bool("witness.budget_exhausted", verdict.BudgetExhausted),
	)
	if verdict.BudgetExhausted {
		span.SetStatus(codes.Error, "visit budget exhausted")
	}
	return verdict
}

// SignWitness signs the counterparty's account age witness with the node key,
// stores it and gossips it to known nodes.
func (node *WitnessNode) SignWitness(ctx context.Context, aew witness.AccountAgeWitness, ownerPubKey []byte, tradeAmount int64) (witness.SignedWitness, error) {
	sw, err := witness.SignAccountAgeWitness(node.signer, aew, ownerPubKey, tradeAmount, time.Now(), node.validator.Policy())
	if err != nil {
		return witness.SignedWitness{}, err
	}

	if _, err := node.AddWitness(sw, SourceLocal); err != nil {
		return witness.SignedWitness{}, err
	}

	node.announce(ctx, sw)

	logger.Info("Signed account age witness",
		"accountHash", aew.Hash.String(),
		"witnessId", sw.ID(),
		"tradeAmount", tradeAmount)
	return sw, nil
}

// Shutdown stops the HTTP server and releases node resources
func (node *WitnessNode) Shutdown(ctx context.Context) error {
	var errs []error
	if node.server != nil {
		if err := node.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down server: %w", err))
		}
	}
	for _, unsubscribe := range node.unsubscribe {
		unsubscribe()
	}
	node.unsubscribe = nil
	if node.db != nil {
		if err := node.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		node.db = nil
	}
	return errors.Join(errs...)
}
