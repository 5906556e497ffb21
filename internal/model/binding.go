// Package model defines the data structures shared by the storage, service
// and HTTP layers.
package model

import (
	"github.com/qrseal/qrseal-go/internal/fingerprint"
)

// BindingStatus is the lifecycle state of a binding record.
type BindingStatus string

const (
	StatusPreRegistered BindingStatus = "pre_registered" // Token issued, no QR produced yet
	StatusActive        BindingStatus = "active"         // QR produced and bound
)

// BindingRecord is the persisted link between a document and the QR payload
// bound to it. It is keyed by DocumentID.
type BindingRecord struct {
	DocumentID          string                   `json:"document_id"`                // UUID from the fingerprint
	DocumentFingerprint *fingerprint.Fingerprint `json:"document_fingerprint"`       // Fingerprint at issue time
	QRData              string                   `json:"qr_data"`                    // Plain payload
	SecureQRData        string                   `json:"secure_qr_data,omitempty"`   // Envelope actually encoded
	BindingToken        string                   `json:"binding_token"`              // Signed token
	Status              BindingStatus            `json:"status"`                     // pre_registered or active
	CreatedAt           int64                    `json:"created_at"`                 // Unix seconds
	ExpiresAt           int64                    `json:"expires_at"`                 // Unix seconds
	FingerprintHash     string                   `json:"fingerprint_hash"`           // Copy of the fingerprint hash
	ObjectKey           string                   `json:"object_key,omitempty"`       // Stego image key in object storage
	Compact             bool                     `json:"compact_envelope,omitempty"` // Envelope used the compact form
}

// Expired reports whether the record is past its expiry at unix time now.
func (r *BindingRecord) Expired(now int64) bool {
	return r.ExpiresAt < now
}

// ListBindingsQuery filters and pages a record listing.
type ListBindingsQuery struct {
	Status BindingStatus `json:"status"` // Empty matches every status
	Limit  int           `json:"limit"`  // Page size, clamped to 1..100, default 25
	Cursor string        `json:"cursor"` // Opaque cursor from a previous page
}

// ListBindingsResult is one page of records, newest first.
type ListBindingsResult struct {
	Records    []BindingRecord `json:"records"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// NormalizedLimit applies the default and ceiling to q.Limit.
func (q ListBindingsQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return 25
	case q.Limit > 100:
		return 100
	}
	return q.Limit
}
