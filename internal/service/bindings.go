package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/envelope"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/model"
	"github.com/qrseal/qrseal-go/internal/qrcap"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
)

// Issued is the result of IssueBinding.
type Issued struct {
	Record   model.BindingRecord `json:"record"`
	Token    string              `json:"binding_token"`
	Envelope string              `json:"secure_qr_data"`
	Compact  bool                `json:"compact_envelope"`
	QR       *qrcap.Requirements `json:"qr_analysis,omitempty"`
}

// Registration is the result of PreRegister.
type Registration struct {
	DocumentID string              `json:"document_id"`
	Token      string              `json:"binding_token"`
	ExpiresAt  int64               `json:"expires_at"`
	Document   DocumentInfo        `json:"document_info"`
	Record     model.BindingRecord `json:"record"`
}

// DocumentInfo summarizes a fingerprinted document.
type DocumentInfo struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Type       string `json:"document_type"`
}

func documentInfo(fp *fingerprint.Fingerprint) DocumentInfo {
	return DocumentInfo{
		DocumentID: fp.DocumentID,
		Filename:   fp.FileInfo.Name,
		Size:       fp.FileInfo.Size,
		Type:       fp.FileInfo.Extension,
	}
}

// resolveExpiry maps a missing expiry to the default.
func (s *Service) resolveExpiry(hours *int) int {
	if hours == nil {
		return s.defaultExpiry
	}
	return *hours
}

// newRecord signs data for fp and builds the record that stores it.
func (s *Service) newRecord(fp *fingerprint.Fingerprint, data string, hours int, status model.BindingStatus) (model.BindingRecord, error) {
	token, err := s.tokens.Issue(fp, data, hours)
	if err != nil {
		return model.BindingRecord{}, err
	}
	p, err := binding.PeekPayload(token)
	if err != nil {
		return model.BindingRecord{}, err
	}
	rec := model.BindingRecord{
		DocumentID:          fp.DocumentID,
		DocumentFingerprint: fp,
		QRData:              data,
		BindingToken:        token,
		Status:              status,
		CreatedAt:           p.IssuedAt,
		ExpiresAt:           p.ExpiresAt,
		FingerprintHash:     fp.FingerprintHash,
	}
	return rec, nil
}

func (s *Service) validateRecord(rec model.BindingRecord) error {
	if s.schemas == nil {
		return nil
	}
	return s.schemas.Validate(schema.KindBindingRecord, rec)
}

func (s *Service) save(ctx context.Context, rec model.BindingRecord) error {
	if err := s.validateRecord(rec); err != nil {
		return err
	}
	start := time.Now()
	var err error
	if rec.Status == model.StatusPreRegistered {
		err = s.store.SavePreRegistration(ctx, rec)
	} else {
		err = s.store.Save(ctx, rec)
	}
	s.metrics.ObserveStorage("save", start, err)
	if err != nil {
		return fmt.Errorf("save binding record: %w", err)
	}
	return nil
}

func (s *Service) publishIssued(ctx context.Context, rec model.BindingRecord) {
	err := s.events.PublishBindingIssued(ctx, event.BindingIssued{
		DocumentID:      rec.DocumentID,
		FingerprintHash: rec.FingerprintHash,
		Status:          string(rec.Status),
		ExpiresAt:       rec.ExpiresAt,
		Compact:         rec.Compact,
	})
	s.metrics.ObserveEvent(event.TypeBindingIssued, err)
	if err != nil {
		s.logger.Warn("failed to publish binding event", "document_id", rec.DocumentID, "error", err)
	}
}

// IssueBinding fingerprints doc, signs data for it, packs the envelope and
// stores an active record. expiryHours nil selects the default.
func (s *Service) IssueBinding(ctx context.Context, doc Document, data string, expiryHours *int) (_ *Issued, err error) {
	ctx, span := s.startSpan(ctx, "IssueBinding", attribute.String("document.name", doc.Name))
	defer func() { endSpan(span, err) }()

	out, err := s.prepareIssue(ctx, doc, data, expiryHours)
	if err != nil {
		return nil, err
	}
	if err := s.commitIssue(ctx, out.Record); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", out.Record.DocumentID), attribute.Bool("envelope.compact", out.Compact))
	return out, nil
}

// prepareIssue signs data for doc and packs the envelope without storing
// anything.
func (s *Service) prepareIssue(ctx context.Context, doc Document, data string, expiryHours *int) (*Issued, error) {
	fp, err := s.Fingerprint(ctx, doc)
	if err != nil {
		return nil, err
	}
	rec, err := s.newRecord(fp, data, s.resolveExpiry(expiryHours), model.StatusActive)
	if err != nil {
		return nil, err
	}
	env, compact, err := s.packer.Pack(data, rec.BindingToken)
	if err != nil {
		return nil, err
	}
	rec.SecureQRData = env
	rec.Compact = compact
	if err := s.validateRecord(rec); err != nil {
		return nil, err
	}

	out := &Issued{Record: rec, Token: rec.BindingToken, Envelope: env, Compact: compact}
	if req, err := qrcap.Analyze(env); err == nil {
		out.QR = &req
	}
	return out, nil
}

// commitIssue stores an active record and announces it.
func (s *Service) commitIssue(ctx context.Context, rec model.BindingRecord) error {
	if err := s.save(ctx, rec); err != nil {
		return err
	}
	s.metrics.ObserveIssued()
	s.publishIssued(ctx, rec)
	s.logger.Info("issued binding", "document_id", rec.DocumentID, "compact", rec.Compact, "expires_at", rec.ExpiresAt)
	return nil
}

// PreRegister fingerprints doc and stores a pre-registered record with a
// token that GenerateQR can later turn into a code.
func (s *Service) PreRegister(ctx context.Context, doc Document, data string, expiryHours *int) (_ *Registration, err error) {
	ctx, span := s.startSpan(ctx, "PreRegister", attribute.String("document.name", doc.Name))
	defer func() { endSpan(span, err) }()

	fp, err := s.Fingerprint(ctx, doc)
	if err != nil {
		return nil, err
	}
	rec, err := s.newRecord(fp, data, s.resolveExpiry(expiryHours), model.StatusPreRegistered)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.publishIssued(ctx, rec)
	s.logger.Info("pre-registered document", "document_id", rec.DocumentID)
	return &Registration{
		DocumentID: rec.DocumentID,
		Token:      rec.BindingToken,
		ExpiresAt:  rec.ExpiresAt,
		Document:   documentInfo(fp),
		Record:     rec,
	}, nil
}

// GeneratedQR is the result of GenerateQR.
type GeneratedQR struct {
	Bitmap   stego.Bitmap       `json:"-"`
	Envelope string             `json:"secure_qr_data"`
	Compact  bool               `json:"compact_envelope"`
	QR       qrcap.Requirements `json:"qr_analysis"`
}

// GenerateQR packs data with a previously issued token and renders the QR
// bitmap. A pre-registration for the token's document becomes active.
func (s *Service) GenerateQR(ctx context.Context, data, token string) (_ *GeneratedQR, err error) {
	ctx, span := s.startSpan(ctx, "GenerateQR")
	defer func() { endSpan(span, err) }()

	p, err := binding.PeekPayload(token)
	if err != nil {
		return nil, err
	}
	env, compact, err := s.packer.Pack(data, token)
	if err != nil {
		return nil, err
	}
	bm, err := s.qr.Encode(env, s.level)
	if err != nil {
		return nil, err
	}
	req, err := qrcap.Analyze(env)
	if err != nil {
		return nil, err
	}
	s.activate(ctx, p.DocumentID, token, env, compact)
	return &GeneratedQR{Bitmap: bm, Envelope: env, Compact: compact, QR: req}, nil
}

// activate turns the pre-registration holding token into an active record.
func (s *Service) activate(ctx context.Context, id, token, env string, compact bool) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("could not look up pre-registration", "document_id", id, "error", err)
		}
		return
	}
	if rec.Status != model.StatusPreRegistered || rec.BindingToken != token {
		return
	}
	rec.Status = model.StatusActive
	rec.SecureQRData = env
	rec.Compact = compact
	if err := s.save(ctx, *rec); err != nil {
		s.logger.Warn("could not activate pre-registration", "document_id", id, "error", err)
		return
	}
	s.metrics.ObserveIssued()
	s.publishIssued(ctx, *rec)
}

// GetBinding returns the record stored for id.
func (s *Service) GetBinding(ctx context.Context, id string) (*model.BindingRecord, error) {
	start := time.Now()
	rec, err := s.store.Get(ctx, id)
	s.metrics.ObserveStorage("get", start, err)
	return rec, err
}

// ListBindings pages through stored records.
func (s *Service) ListBindings(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	start := time.Now()
	res, err := s.store.List(ctx, q)
	s.metrics.ObserveStorage("list", start, err)
	return res, err
}

// Verification is the result of checking a QR payload against a document.
type Verification struct {
	IsSecure bool                  `json:"is_secure"`
	Valid    bool                  `json:"valid"`
	Data     string                `json:"original_data"`
	Envelope envelope.Parsed       `json:"envelope"`
	Result   *binding.VerifyResult `json:"verification,omitempty"`
	Message  string                `json:"message"`
}

// VerifyText checks the text of a QR code against doc. Legacy payloads are
// reported as not secure without touching the document.
func (s *Service) VerifyText(ctx context.Context, qrText string, doc Document) (_ *Verification, err error) {
	ctx, span := s.startSpan(ctx, "VerifyText")
	defer func() { endSpan(span, err) }()

	parsed := envelope.Unwrap(qrText)
	if !parsed.IsSecure {
		s.metrics.ObserveVerification("legacy")
		return &Verification{
			Valid:    true,
			Data:     parsed.Data,
			Envelope: parsed,
			Message:  "QR code is legacy format (not bound to any document)",
		}, nil
	}

	fresh, err := s.Fingerprint(ctx, doc)
	if err != nil {
		return nil, err
	}
	res, err := s.tokens.Verify(parsed.Token, fresh)
	if err != nil {
		return nil, err
	}

	out := &Verification{IsSecure: true, Valid: res.Valid, Data: parsed.Data, Envelope: parsed, Result: &res}
	result := "valid"
	if res.Valid {
		out.Data = res.QRData
		out.Message = "QR code is properly bound to this document"
	} else {
		result = string(res.Reason)
		out.Message = "QR code is NOT bound to this document"
	}
	s.metrics.ObserveVerification(result)
	span.SetAttributes(attribute.String("verification.result", result))

	perr := s.events.PublishBindingVerified(ctx, event.BindingVerified{
		DocumentID: res.TokenDocumentID,
		Valid:      res.Valid,
		Reason:     string(res.Reason),
	})
	s.metrics.ObserveEvent(event.TypeBindingVerified, perr)
	if perr != nil {
		s.logger.Warn("failed to publish verification event", "error", perr)
	}
	s.logger.Info("verified binding", "token_document_id", res.TokenDocumentID, "result", result)
	return out, nil
}

// BindingInfo is the unverified content of a token.
type BindingInfo struct {
	IssuedAt            int64  `json:"issued_at"`
	ExpiresAt           int64  `json:"expires_at"`
	DocumentID          string `json:"document_id"`
	ExpectedFingerprint string `json:"expected_fingerprint"`
	Expired             bool   `json:"expired"`
}

// SecurityInfo describes a QR payload without verifying it.
type SecurityInfo struct {
	IsSecure      bool         `json:"is_secure"`
	Version       string       `json:"version"`
	CreatedAt     int64        `json:"created_at,omitempty"`
	OriginalData  string       `json:"original_data"`
	IsUUIDBased   bool         `json:"is_uuid_based"`
	Compact       bool         `json:"compact_envelope,omitempty"`
	Binding       *BindingInfo `json:"binding_info,omitempty"`
	BindingStatus string       `json:"binding_status"`
}

// SecurityInfo unwraps qrText and decodes its token, if any.
func (s *Service) SecurityInfo(ctx context.Context, qrText string) *SecurityInfo {
	parsed := envelope.Unwrap(qrText)
	if !parsed.IsSecure {
		return &SecurityInfo{Version: "legacy", OriginalData: parsed.Data, BindingStatus: "unbound"}
	}
	info := &SecurityInfo{
		IsSecure:      true,
		Version:       parsed.Version,
		CreatedAt:     parsed.CreatedAt,
		OriginalData:  parsed.Data,
		IsUUIDBased:   parsed.IsUUIDBased(),
		Compact:       parsed.Compact,
		BindingStatus: "bound",
	}
	ti, err := s.tokens.Inspect(parsed.Token)
	if err != nil {
		s.logger.Warn("could not decode binding token details", "error", err)
		info.BindingStatus = "undecodable"
		return info
	}
	expected := ti.FingerprintHash
	if len(expected) > 16 {
		expected = expected[:16] + "..."
	}
	info.Binding = &BindingInfo{
		IssuedAt:            ti.IssuedAt,
		ExpiresAt:           ti.ExpiresAt,
		DocumentID:          ti.DocumentID,
		ExpectedFingerprint: expected,
		Expired:             ti.Expired,
	}
	return info
}
