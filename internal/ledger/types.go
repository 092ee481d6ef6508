// Package ledger is a typed client for the Accumulate-style JSON-RPC query
// API. The v3 response envelope varies by method and network version, so all
// parsing is tolerant: structural probing lives here and schema surprises
// degrade to empty results rather than errors.
package ledger

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a transaction as reported by the ledger.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRemote    Status = "remote"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusUnknown   Status = "unknown"
)

// SignatureRecord is one signature observed on a pending transaction. Signer
// is the canonical key-page URL; PublicKeyHash may be empty for nested
// delegated forms.
type SignatureRecord struct {
	Signer        string
	PublicKeyHash string
	Vote          string
	Timestamp     time.Time
}

// PendingTx is a not-yet-finalized transaction with enough metadata for
// eligibility checks and inbox rendering.
type PendingTx struct {
	TxID       string
	Hash       string
	Principal  string
	Type       string
	Status     Status
	Signatures []SignatureRecord
	ExpiresAt  *time.Time
	Body       map[string]any
}

// KeyEntry is a tagged variant: a key hash entry when PublicKeyHash is set,
// a delegation reference when Delegate is set.
type KeyEntry struct {
	PublicKeyHash string
	Delegate      string
	KeyType       string
}

func (e KeyEntry) IsDelegate() bool { return e.Delegate != "" }

// KeyPage is an authority page: ordered entries plus a signing threshold.
type KeyPage struct {
	URL           string
	Version       uint64
	Threshold     uint64
	CreditBalance uint64
	Entries       []KeyEntry
}

// Delegates returns the canonical URLs of the page's delegation entries.
func (p *KeyPage) Delegates() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, e := range p.Entries {
		if e.IsDelegate() {
			out = append(out, e.Delegate)
		}
	}
	return out
}

// RPCError is a JSON-RPC error envelope returned by the ledger. It is a
// protocol-level failure and is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx transport response. 429 and 5xx are retryable.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus lets the retry package classify transience without importing
// this package.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }
