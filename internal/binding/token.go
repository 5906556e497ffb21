package binding

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qrseal/qrseal-go/internal/fingerprint"
)

// Version is the token format version.
const Version = "2.0"

var (
	ErrMalformedToken = errors.New("malformed binding token")
	ErrInvalidExpiry  = errors.New("expiry hours must not be negative")
)

// Reason explains a negative verification.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonExpired             Reason = "expired"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
)

// Payload is the signed inner document. Fields are declared in key order so
// the marshalled bytes are sorted.
type Payload struct {
	DocumentID      string `json:"document_id"`
	ExpiresAt       int64  `json:"expires_at"`
	FingerprintHash string `json:"fingerprint_hash"`
	IssuedAt        int64  `json:"issued_at"`
	QRData          string `json:"qr_data"`
	Version         string `json:"version"`
}

// wireToken is the outer JSON carried base64-encoded in the QR envelope.
type wireToken struct {
	Payload   *string `json:"payload"`
	Signature *string `json:"signature"`
	Version   *string `json:"version"`
}

// VerifyResult is the outcome of Verify. Expected negatives are reported
// through Valid and Reason, not as errors.
type VerifyResult struct {
	Valid               bool   `json:"valid"`
	Reason              Reason `json:"reason,omitempty"`
	QRData              string `json:"qr_data,omitempty"`
	IssuedAt            int64  `json:"issued_at,omitempty"`
	ExpiresAt           int64  `json:"expires_at,omitempty"`
	DocumentID          string `json:"document_id,omitempty"`
	TokenDocumentID     string `json:"token_document_id,omitempty"`
	ExpectedFingerprint string `json:"expected_fingerprint,omitempty"`
	ActualFingerprint   string `json:"actual_fingerprint,omitempty"`
	VerifiedAt          int64  `json:"verified_at"`
}

// TokenInfo is an unverified view of a token's payload.
type TokenInfo struct {
	Payload
	Expired  bool `json:"expired"`
	Verified bool `json:"verified"`
}

// Service issues and verifies binding tokens with one key.
type Service struct {
	key    []byte
	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// NewService returns a token service signing with the key held by ks.
func NewService(ks *KeyStore, opts ...ServiceOption) *Service {
	s := &Service{key: ks.Key(), now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) mac(b []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(b)
	return m.Sum(nil)
}

// Issue signs qrData for the document described by fp, valid for
// expiryHours from now.
func (s *Service) Issue(fp *fingerprint.Fingerprint, qrData string, expiryHours int) (string, error) {
	if fp == nil {
		return "", fmt.Errorf("issue token: nil fingerprint")
	}
	if expiryHours < 0 {
		return "", ErrInvalidExpiry
	}
	now := s.now().Unix()
	payload, err := json.Marshal(Payload{
		DocumentID:      fp.DocumentID,
		ExpiresAt:       now + int64(expiryHours)*3600,
		FingerprintHash: fp.FingerprintHash,
		IssuedAt:        now,
		QRData:          qrData,
		Version:         Version,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p := base64.StdEncoding.EncodeToString(payload)
	sig := base64.StdEncoding.EncodeToString(s.mac(payload))
	v := Version
	outer, err := json.Marshal(wireToken{Payload: &p, Signature: &sig, Version: &v})
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	s.logger.Info("issued binding token", "document_id", fp.DocumentID, "expiry_hours", expiryHours)
	return base64.StdEncoding.EncodeToString(outer), nil
}

// decode splits a token into its raw payload bytes and signature.
func decode(token string) (payload, sig []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var w wireToken
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	switch {
	case w.Payload == nil:
		return nil, nil, fmt.Errorf("%w: missing token field: payload", ErrMalformedToken)
	case w.Signature == nil:
		return nil, nil, fmt.Errorf("%w: missing token field: signature", ErrMalformedToken)
	case w.Version == nil:
		return nil, nil, fmt.Errorf("%w: missing token field: version", ErrMalformedToken)
	}
	if payload, err = base64.StdEncoding.DecodeString(*w.Payload); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	if sig, err = base64.StdEncoding.DecodeString(*w.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}
	return payload, sig, nil
}

func parsePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	return p, nil
}

// Verify checks token against a freshly computed fingerprint. Checks run in
// order: signature, expiry, fingerprint.
func (s *Service) Verify(token string, fresh *fingerprint.Fingerprint) (VerifyResult, error) {
	now := s.now().Unix()
	res := VerifyResult{VerifiedAt: now}

	payload, sig, err := decode(token)
	if err != nil {
		return res, err
	}
	if !hmac.Equal(sig, s.mac(payload)) {
		res.Reason = ReasonInvalidSignature
		s.logger.Warn("binding token signature mismatch")
		return res, nil
	}
	p, err := parsePayload(payload)
	if err != nil {
		return res, err
	}
	res.IssuedAt = p.IssuedAt
	res.ExpiresAt = p.ExpiresAt
	res.TokenDocumentID = p.DocumentID

	if now > p.ExpiresAt {
		res.Reason = ReasonExpired
		return res, nil
	}
	actual := ""
	if fresh != nil {
		actual = fresh.FingerprintHash
		res.DocumentID = fresh.DocumentID
	}
	if p.FingerprintHash != actual {
		res.Reason = ReasonFingerprintMismatch
		res.ExpectedFingerprint = p.FingerprintHash
		res.ActualFingerprint = actual
		return res, nil
	}

	res.Valid = true
	res.QRData = p.QRData
	s.logger.Info("verified binding token", "token_document_id", p.DocumentID)
	return res, nil
}

// Inspect decodes the payload without checking the signature.
func (s *Service) Inspect(token string) (TokenInfo, error) {
	p, err := PeekPayload(token)
	if err != nil {
		return TokenInfo{}, err
	}
	return TokenInfo{Payload: p, Expired: s.now().Unix() > p.ExpiresAt}, nil
}

// PeekPayload decodes the payload of token without a key. Envelope unwrap
// uses it to recover the data of a compact envelope.
func PeekPayload(token string) (Payload, error) {
	payload, _, err := decode(token)
	if err != nil {
		return Payload{}, err
	}
	return parsePayload(payload)
}
