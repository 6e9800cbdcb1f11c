package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kryptonchain/bisq/src/witness"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIVersion is sent on every response
const APIVersion = "1.0"

// apiError is the error body of the response envelope
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteSuccess writes data wrapped in the success envelope
func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// WriteError writes an error envelope with a machine readable code
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": apiError{
			Code:    code,
			Message: message,
		},
	})
}

// SetupRouter registers the API routes and middleware
func (node *WitnessNode) SetupRouter() *mux.Router {
	router := mux.NewRouter()
	rateLimiter := NewIPRateLimiter(node.config.RateLimitPerMinute)

	router.Use(RequestIDMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(rateLimiter))
	router.Use(BodySizeLimitMiddleware(node.config.MaxBodySizeBytes))
	router.Use(NodeAuthMiddleware(node.config.NodeAuthSecret, node.config.RequireNodeAuth))

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")
	api.HandleFunc("/nodes", node.GetNodesHandler).Methods("GET")

	// Witness endpoints
	api.HandleFunc("/witnesses", node.SubmitWitnessHandler).Methods("POST")
	api.HandleFunc("/witnesses/sign", node.SignWitnessHandler).Methods("POST")
	api.HandleFunc("/witnesses/id/{id}", node.GetWitnessByIDHandler).Methods("GET")
	api.HandleFunc("/witnesses/{hash}", node.GetWitnessesHandler).Methods("GET")
	api.HandleFunc("/witnesses/{hash}/dates", node.GetWitnessDatesHandler).Methods("GET")

	// Chain validation
	api.HandleFunc("/trust", node.EvaluateTrustHandler).Methods("POST")

	// Node to node
	api.HandleFunc("/gossip/witness", node.ReceiveGossipHandler).Methods("POST")

	// Snapshots
	api.HandleFunc("/snapshots", node.PublishSnapshotHandler).Methods("POST")
	api.HandleFunc("/snapshots/{cid}/import", node.ImportSnapshotHandler).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// NewServer builds the HTTP server for port. Shutdown stops it.
func (node *WitnessNode) NewServer(port string) *http.Server {
	node.server = &http.Server{
		Addr:              ":" + port,
		Handler:           instrumentHandler(node.SetupRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return node.server
}

// serve blocks until srv fails or is shut down
func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HealthCheckHandler handles health check requests
func (node *WitnessNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"nodeId":      node.NodeID,
		"uptime":      int64(time.Since(node.StartTime).Seconds()),
		"version":     "1.0.0",
		"witnesses":   node.store.Len(),
		"arbitrators": node.arbitrators.Len(),
		"signerKey":   hex.EncodeToString(node.signer.PublicKey()),
	})
}

// GetNodesHandler returns the list of known nodes
func (node *WitnessNode) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	node.KnownNodesMutex.RLock()
	defer node.KnownNodesMutex.RUnlock()

	nodesList := make([]Node, 0, len(node.KnownNodes))
	for _, n := range node.KnownNodes {
		nodesList = append(nodesList, n)
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"nodes": nodesList,
	})
}

// SubmitWitnessHandler ingests a signed witness from a client and gossips it if new
func (node *WitnessNode) SubmitWitnessHandler(w http.ResponseWriter, r *http.Request) {
	var sw witness.SignedWitness
	if err := DecodeJSONBody(w, r, &sw); err != nil {
		return
	}

	added, err := node.SubmitWitness(r.Context(), sw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_WITNESS", err.Error())
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	WriteSuccess(w, status, map[string]interface{}{
		"id":    sw.ID(),
		"added": added,
	})
}

// accountWitnessFromPath reads the {hash} route variable
func accountWitnessFromPath(w http.ResponseWriter, r *http.Request) (witness.AccountAgeWitness, bool) {
	hashHex := mux.Vars(r)["hash"]
	if !IsValidAccountHash(hashHex) {
		WriteError(w, http.StatusBadRequest, "INVALID_HASH", "Account hash must be 40 lowercase hex characters")
		return witness.AccountAgeWitness{}, false
	}
	hash, _ := hex.DecodeString(hashHex)
	return witness.AccountAgeWitness{Hash: hash}, true
}

// GetWitnessesHandler lists the signed witnesses stored for an account hash
func (node *WitnessNode) GetWitnessesHandler(w http.ResponseWriter, r *http.Request) {
	aew, ok := accountWitnessFromPath(w, r)
	if !ok {
		return
	}

	candidates := node.store.CandidatesFor(aew.Hash)
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"accountHash":       aew.Hash.String(),
		"witnesses":         candidates,
		"arbitratorSigned":  len(node.validator.ArbitratorSignedWitnesses(aew)),
		"trustedPeerSigned": len(node.validator.TrustedPeerSignedWitnesses(aew)),
	})
}

// GetWitnessByIDHandler returns a single stored witness
func (node *WitnessNode) GetWitnessByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !IsValidWitnessID(id) {
		WriteError(w, http.StatusBadRequest, "INVALID_WITNESS_ID", "Witness ID must be 64 lowercase hex characters")
		return
	}

	sw, ok := node.store.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "WITNESS_NOT_FOUND", "Witness not found")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"witness": sw,
	})
}

// GetWitnessDatesHandler returns the dates of signature-valid witnesses for an account
func (node *WitnessNode) GetWitnessDatesHandler(w http.ResponseWriter, r *http.Request) {
	aew, ok := accountWitnessFromPath(w, r)
	if !ok {
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"accountHash": aew.Hash.String(),
		"dates":       node.validator.VerifiedWitnessDates(aew),
	})
}

// TrustRequest asks whether an account age witness is backed by a valid chain
type TrustRequest struct {
	Hash witness.HexBytes `json:"hash"`
	Date int64            `json:"date"`
}

// EvaluateTrustHandler runs chain validation for the requested account
func (node *WitnessNode) EvaluateTrustHandler(w http.ResponseWriter, r *http.Request) {
	var req TrustRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req.Hash) != witness.AccountHashSize {
		WriteError(w, http.StatusBadRequest, "INVALID_HASH", "Account hash must be 20 bytes")
		return
	}

	verdict := node.EvaluateTrust(r.Context(), witness.AccountAgeWitness{Hash: req.Hash, Date: req.Date})
	WriteSuccess(w, http.StatusOK, verdict)
}

// SignWitnessRequest asks the node to sign a counterparty's account age witness
type SignWitnessRequest struct {
	AccountHash witness.HexBytes `json:"accountHash"`
	Date        int64            `json:"date"`
	OwnerPubKey witness.HexBytes `json:"ownerPubKey"`
	TradeAmount int64            `json:"tradeAmount"`
}

// SignWitnessHandler signs, stores and gossips a witness with the node key
func (node *WitnessNode) SignWitnessHandler(w http.ResponseWriter, r *http.Request) {
	var req SignWitnessRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req.AccountHash) != witness.AccountHashSize {
		WriteError(w, http.StatusBadRequest, "INVALID_HASH", "Account hash must be 20 bytes")
		return
	}
	if len(req.OwnerPubKey) == 0 {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Owner public key is required")
		return
	}

	aew := witness.AccountAgeWitness{Hash: req.AccountHash, Date: req.Date}
	sw, err := node.SignWitness(r.Context(), aew, req.OwnerPubKey, req.TradeAmount)
	if err != nil {
		if errors.Is(err, witness.ErrTradeAmountTooLow) {
			WriteError(w, http.StatusUnprocessableEntity, "TRADE_AMOUNT_TOO_LOW", err.Error())
			return
		}
		logger.Error("Failed to sign witness", "requestId", GetRequestID(r.Context()), "error", err)
		WriteError(w, http.StatusInternalServerError, "SIGNING_FAILED", "Failed to sign witness")
		return
	}

	WriteSuccess(w, http.StatusCreated, map[string]interface{}{
		"id":      sw.ID(),
		"witness": sw,
	})
}

// ReceiveGossipHandler accepts a gossiped witness from another node
func (node *WitnessNode) ReceiveGossipHandler(w http.ResponseWriter, r *http.Request) {
	var msg GossipMessage
	if err := DecodeJSONBody(w, r, &msg); err != nil {
		return
	}

	if err := node.ReceiveGossip(r.Context(), msg); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_GOSSIP", err.Error())
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"messageId": msg.MessageID,
	})
}

// PublishSnapshotHandler pins the current witness set to IPFS
func (node *WitnessNode) PublishSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	result, err := node.PublishSnapshot(r.Context())
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, result)
}

// ImportSnapshotHandler ingests the witnesses of a pinned snapshot
func (node *WitnessNode) ImportSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	result, err := node.ImportSnapshot(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, result)
}

func writeSnapshotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrIPFSNotConfigured):
		WriteError(w, http.StatusServiceUnavailable, "IPFS_NOT_CONFIGURED", err.Error())
	case errors.Is(err, ErrInvalidCID):
		WriteError(w, http.StatusBadRequest, "INVALID_CID", err.Error())
	case errors.Is(err, ErrInvalidSnapshot):
		WriteError(w, http.StatusUnprocessableEntity, "INVALID_SNAPSHOT", err.Error())
	default:
		WriteError(w, http.StatusBadGateway, "IPFS_UNAVAILABLE", err.Error())
	}
}
