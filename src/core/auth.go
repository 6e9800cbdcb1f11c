package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Node authentication header names
const (
	NodeSignatureHeader = "X-Node-Signature"
	NodeTimestampHeader = "X-Node-Timestamp"
)

// NodeAuthTimestampTolerance is the maximum age of a signed request (5 minutes)
const NodeAuthTimestampTolerance = 5 * time.Minute

// SignRequest creates an HMAC-SHA256 signature for a request.
// The signature covers: method + path + body + timestamp
func SignRequest(method, path string, body []byte, secret string, timestamp int64) string {
	message := fmt.Sprintf("%s\n%s\n%s\n%d", method, path, string(body), timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest verifies the HMAC-SHA256 signature of a request.
// Returns false if the timestamp is stale or the signature doesn't match.
func VerifyRequest(method, path string, body []byte, secret string, timestamp int64, signature string) bool {
	now := time.Now().Unix()
	toleranceSec := int64(NodeAuthTimestampTolerance.Seconds())
	if timestamp < now-toleranceSec || timestamp > now+toleranceSec {
		return false
	}

	expectedSig := SignRequest(method, path, body, secret, timestamp)

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedSig)) == 1
}

// signOutgoing adds node authentication headers when a secret is configured
func signOutgoing(req *http.Request, body []byte, secret string) {
	if secret == "" {
		return
	}
	timestamp := time.Now().Unix()
	req.Header.Set(NodeTimestampHeader, strconv.FormatInt(timestamp, 10))
	req.Header.Set(NodeSignatureHeader, SignRequest(req.Method, req.URL.Path, body, secret, timestamp))
}

// isNodeToNodeEndpoint reports whether path is only called by peer nodes
func isNodeToNodeEndpoint(path string) bool {
	return strings.HasPrefix(path, "/api/v1/gossip/")
}

// NodeAuthMiddleware rejects unsigned node-to-node requests when auth is required.
// Other endpoints pass through untouched.
func NodeAuthMiddleware(secret string, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required || r.Method != http.MethodPost || !isNodeToNodeEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			signature := r.Header.Get(NodeSignatureHeader)
			timestampStr := r.Header.Get(NodeTimestampHeader)
			if signature == "" || timestampStr == "" {
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing node authentication headers")
				return
			}

			timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid node timestamp")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !VerifyRequest(r.Method, r.URL.Path, body, secret, timestamp, signature) {
				logger.Warn("Rejected node request with invalid signature",
					"path", r.URL.Path,
					"remoteAddr", getClientIP(r))
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid node signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
