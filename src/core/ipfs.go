package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kryptonchain/bisq/src/witness"
)

// Package-level errors for IPFS operations
var (
	ErrIPFSNotConfigured = errors.New("IPFS not configured")
	ErrInvalidCID        = errors.New("invalid CID format")
	ErrIPFSUnavailable   = errors.New("IPFS service unavailable")
	ErrInvalidSnapshot   = errors.New("invalid witness snapshot")
)

// IPFSClient defines the interface for IPFS content addressing operations
type IPFSClient interface {
	// Pin stores content and returns its CID
	Pin(ctx context.Context, data []byte) (cid string, err error)
	// Get retrieves content by its CID
	Get(ctx context.Context, cid string) (data []byte, err error)
	// IsAvailable checks if IPFS is configured and reachable
	IsAvailable() bool
}

// HTTPIPFSClient implements IPFSClient using the IPFS HTTP API (Kubo compatible)
type HTTPIPFSClient struct {
	apiURL     string
	httpClient *http.Client
}

// NewHTTPIPFSClient creates a new HTTP-based IPFS client
func NewHTTPIPFSClient(apiURL string, httpClient *http.Client) *HTTPIPFSClient {
	return &HTTPIPFSClient{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: httpClient,
	}
}

// ipfsAddResponse represents the JSON response from /api/v0/add
type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Pin stores content in IPFS and returns its CID
func (c *HTTPIPFSClient) Pin(ctx context.Context, data []byte) (string, error) {
	if c.httpClient == nil {
		return "", ErrIPFSNotConfigured
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "witnesses.json")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/add?pin=true", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIPFSUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrIPFSUnavailable, resp.StatusCode, string(body))
	}

	var addResp ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&addResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if addResp.Hash == "" {
		return "", fmt.Errorf("IPFS returned empty CID")
	}

	return addResp.Hash, nil
}

// Get retrieves content from IPFS by CID
func (c *HTTPIPFSClient) Get(ctx context.Context, cid string) ([]byte, error) {
	if c.httpClient == nil {
		return nil, ErrIPFSNotConfigured
	}
	if !IsValidCID(cid) {
		return nil, ErrInvalidCID
	}

	reqURL := c.apiURL + "/api/v0/cat?arg=" + url.QueryEscape(cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIPFSUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrIPFSUnavailable, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// IsAvailable checks if the IPFS service is configured and reachable
func (c *HTTPIPFSClient) IsAvailable() bool {
	if c.httpClient == nil || c.apiURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/id", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// NoOpIPFSClient implements IPFSClient for when IPFS is disabled
type NoOpIPFSClient struct{}

// Pin returns an error indicating IPFS is not configured
func (NoOpIPFSClient) Pin(ctx context.Context, data []byte) (string, error) {
	return "", ErrIPFSNotConfigured
}

// Get returns an error indicating IPFS is not configured
func (NoOpIPFSClient) Get(ctx context.Context, cid string) ([]byte, error) {
	return nil, ErrIPFSNotConfigured
}

// IsAvailable always returns false for the no-op client
func (NoOpIPFSClient) IsAvailable() bool {
	return false
}

// CID validation patterns
var (
	// CIDv0: "Qm" followed by 44 base58btc characters
	cidV0Regex = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	// CIDv1: "b" multibase prefix followed by base32 lowercase
	cidV1Regex = regexp.MustCompile(`^b[a-z2-7]{58,}$`)
)

// IsValidCID validates a CID string for both CIDv0 and CIDv1 formats
func IsValidCID(cid string) bool {
	switch {
	case strings.HasPrefix(cid, "Qm"):
		return cidV0Regex.MatchString(cid)
	case strings.HasPrefix(cid, "b"):
		return cidV1Regex.MatchString(cid)
	default:
		return false
	}
}

// WitnessSnapshot is the document pinned to IPFS
type WitnessSnapshot struct {
	NodeID    string                  `json:"nodeId"`
	CreatedAt int64                   `json:"createdAt"`
	Witnesses []witness.SignedWitness `json:"witnesses"`
}

// SnapshotResult reports what an import did
type SnapshotResult struct {
	CID      string `json:"cid"`
	Total    int    `json:"total"`
	Added    int    `json:"added"`
	Rejected int    `json:"rejected"`
}

// PublishSnapshot pins every stored witness and returns the CID
func (node *WitnessNode) PublishSnapshot(ctx context.Context) (SnapshotResult, error) {
	snapshot := WitnessSnapshot{
		NodeID:    node.NodeID,
		CreatedAt: time.Now().UnixMilli(),
		Witnesses: node.store.All(),
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	cid, err := node.ipfs.Pin(ctx, data)
	if err != nil {
		return SnapshotResult{}, err
	}

	logger.Info("Published witness snapshot", "cid", cid, "witnesses", len(snapshot.Witnesses))
	return SnapshotResult{CID: cid, Total: len(snapshot.Witnesses)}, nil
}

// ImportSnapshot fetches a snapshot by CID and ingests its witnesses
func (node *WitnessNode) ImportSnapshot(ctx context.Context, cid string) (SnapshotResult, error) {
	if !IsValidCID(cid) {
		return SnapshotResult{}, ErrInvalidCID
	}

	data, err := node.ipfs.Get(ctx, cid)
	if err != nil {
		return SnapshotResult{}, err
	}

	var snapshot WitnessSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return SnapshotResult{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	result := SnapshotResult{CID: cid, Total: len(snapshot.Witnesses)}
	for _, sw := range snapshot.Witnesses {
		added, err := node.AddWitness(sw, SourceSnapshot)
		if err != nil {
			result.Rejected++
			continue
		}
		if added {
			result.Added++
		}
	}

	logger.Info("Imported witness snapshot",
		"cid", cid,
		"total", result.Total,
		"added", result.Added,
		"rejected", result.Rejected)
	return result, nil
}
