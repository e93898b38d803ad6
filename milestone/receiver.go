package milestone

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/signer"
)

const maxRequestBody = 1 << 20

// Receiver is a reference ingest endpoint. It verifies the signature with
// the same canonicalization the pipeline signs with and deduplicates by
// idempotency key. Accepted envelopes are kept in memory.
type Receiver struct {
	secret string
	logger *logging.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	accepted []Envelope
}

// NewReceiver creates a receiver for the given secret.
func NewReceiver(secret string, logger *logging.Logger) *Receiver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Receiver{
		secret: secret,
		logger: logger.WithComponent("receiver"),
		seen:   make(map[string]struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (rv *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, Response{Status: StatusRejected, Reason: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Status: StatusRejected, Reason: "unreadable body"})
		return
	}

	if !signer.VerifyBytes(body, rv.secret, r.Header.Get(HeaderSignature)) {
		rv.logger.Warn("signature mismatch", map[string]interface{}{
			"idempotency_key": r.Header.Get(HeaderIdempotencyKey),
		})
		writeResponse(w, http.StatusUnauthorized, Response{Status: StatusRejected, Reason: "invalid signature"})
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.IdempotencyKey == "" {
		writeResponse(w, http.StatusBadRequest, Response{Status: StatusRejected, Reason: "malformed envelope"})
		return
	}
	if err := Validate(env.Event); err != nil {
		writeResponse(w, http.StatusUnprocessableEntity, Response{Status: StatusRejected, Reason: err.Error()})
		return
	}

	rv.mu.Lock()
	_, dup := rv.seen[env.IdempotencyKey]
	if !dup {
		rv.seen[env.IdempotencyKey] = struct{}{}
		rv.accepted = append(rv.accepted, env)
	}
	rv.mu.Unlock()

	status := StatusAccepted
	if dup {
		status = StatusDuplicate
	}
	rv.logger.Info("milestone received", map[string]interface{}{
		"idempotency_key": env.IdempotencyKey,
		"milestone_id":    env.Event.MilestoneID,
		"status":          status,
	})
	writeResponse(w, http.StatusOK, Response{OK: true, Status: status, MilestoneID: env.Event.MilestoneID})
}

// Accepted returns the envelopes accepted so far.
func (rv *Receiver) Accepted() []Envelope {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	out := make([]Envelope, len(rv.accepted))
	copy(out, rv.accepted)
	return out
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
