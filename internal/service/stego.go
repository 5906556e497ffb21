package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/qrseal/qrseal-go/internal/media"
	"github.com/qrseal/qrseal-go/internal/qrcap"
	"github.com/qrseal/qrseal-go/internal/stego"
)

// EmbedOptions controls the embed workflows.
type EmbedOptions struct {
	Resize bool // shrink a QR code that does not fit the cover
	Upload bool // store the result in object storage when configured
}

// Embedded is the result of an embed workflow.
type Embedded struct {
	PNG         []byte             `json:"-"`
	Report      stego.EmbedReport  `json:"stego"`
	QRData      string             `json:"qr_data"`
	Secure      bool               `json:"is_secure"`
	Compact     bool               `json:"compact_envelope,omitempty"`
	DocumentID  string             `json:"document_id,omitempty"`
	Token       string             `json:"binding_token,omitempty"`
	ExpiresAt   int64              `json:"expires_at,omitempty"`
	QR          qrcap.Requirements `json:"qr_analysis"`
	ObjectKey   string             `json:"object_key,omitempty"`
	DownloadURL string             `json:"download_url,omitempty"`
}

// embed renders text as a QR code and hides it in cover.
func (s *Service) embed(ctx context.Context, cover image.Image, text string, resize bool) (_ []byte, _ stego.EmbedReport, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStego("embed", start, err) }()

	bm, err := s.qr.Encode(text, s.level)
	if err != nil {
		return nil, stego.EmbedReport{}, err
	}
	out, report, err := stego.Embed(cover, bm, stego.EmbedOptions{ResizeIfNeeded: resize})
	if err != nil {
		return nil, report, err
	}
	png, err := stego.PNGBytes(out)
	if err != nil {
		return nil, report, err
	}
	return png, report, nil
}

// upload stores png under the key for id and returns a download URL.
func (s *Service) upload(ctx context.Context, id string, png []byte) (key, url string, err error) {
	key = media.ObjectKey(id)
	start := time.Now()
	err = s.objects.Put(ctx, key, "image/png", png)
	s.metrics.ObserveStorage("object_put", start, err)
	if err != nil {
		return "", "", fmt.Errorf("upload stego image: %w", err)
	}
	url, err = s.objects.PresignGet(ctx, key, s.presignTTL)
	if err != nil {
		return key, "", fmt.Errorf("presign stego image: %w", err)
	}
	return key, url, nil
}

// EmbedBound issues a binding for doc and hides the resulting secure QR
// code in cover. Nothing is stored or published when the embed fails.
func (s *Service) EmbedBound(ctx context.Context, cover image.Image, doc Document, data string, expiryHours *int, opts EmbedOptions) (_ *Embedded, err error) {
	ctx, span := s.startSpan(ctx, "EmbedBound", attribute.String("document.name", doc.Name))
	defer func() { endSpan(span, err) }()

	issued, err := s.prepareIssue(ctx, doc, data, expiryHours)
	if err != nil {
		return nil, err
	}
	png, report, err := s.embed(ctx, cover, issued.Envelope, opts.Resize)
	if err != nil {
		return nil, err
	}
	rec := issued.Record
	out := &Embedded{
		PNG:        png,
		Report:     report,
		QRData:     data,
		Secure:     true,
		Compact:    issued.Compact,
		DocumentID: rec.DocumentID,
		Token:      issued.Token,
		ExpiresAt:  rec.ExpiresAt,
	}
	if issued.QR != nil {
		out.QR = *issued.QR
	}

	if opts.Upload && s.objects != nil {
		key, url, err := s.upload(ctx, out.DocumentID, png)
		if err != nil {
			return nil, err
		}
		out.ObjectKey, out.DownloadURL = key, url
		rec.ObjectKey = key
	}
	// The record is stored only once the image exists.
	if err := s.commitIssue(ctx, rec); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", rec.DocumentID))
	span.SetAttributes(attribute.Bool("stego.resized", report.Resized))
	return out, nil
}

// EmbedLegacy hides data in cover as a plain QR code with no binding.
func (s *Service) EmbedLegacy(ctx context.Context, cover image.Image, data string, opts EmbedOptions) (_ *Embedded, err error) {
	ctx, span := s.startSpan(ctx, "EmbedLegacy")
	defer func() { endSpan(span, err) }()

	req, err := qrcap.Analyze(data)
	if err != nil {
		return nil, err
	}
	png, report, err := s.embed(ctx, cover, data, opts.Resize)
	if err != nil {
		return nil, err
	}
	return &Embedded{PNG: png, Report: report, QRData: data, QR: req}, nil
}

// Extracted is the result of ExtractQR.
type Extracted struct {
	Bitmap stego.Bitmap `json:"-"`
	Text   string       `json:"qr_text"`
}

// ExtractQR recovers the hidden QR code from img and decodes its text.
func (s *Service) ExtractQR(ctx context.Context, img image.Image) (_ *Extracted, err error) {
	_, span := s.startSpan(ctx, "ExtractQR")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { s.metrics.ObserveStego("extract", start, err) }()

	bm, err := stego.Extract(img)
	if err != nil {
		return nil, err
	}
	text, err := s.qr.DecodeBitmap(bm)
	if err != nil {
		return nil, err
	}
	return &Extracted{Bitmap: bm, Text: text}, nil
}

// VerifyStego extracts the QR code hidden in img and checks it against doc.
func (s *Service) VerifyStego(ctx context.Context, img image.Image, doc Document) (*Verification, error) {
	ex, err := s.ExtractQR(ctx, img)
	if err != nil {
		return nil, err
	}
	return s.VerifyText(ctx, ex.Text, doc)
}

// AnalyzeCover reports the capacity of an encoded cover image. cached is
// true when the analysis came from the cache.
func (s *Service) AnalyzeCover(ctx context.Context, data []byte) (a stego.CapacityAnalysis, cached bool, err error) {
	_, span := s.startSpan(ctx, "AnalyzeCover")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { s.metrics.ObserveStego("analyze", start, err) }()

	if s.cache != nil {
		return s.cache.Analyze(data)
	}
	img, _, err := stego.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return stego.CapacityAnalysis{}, false, err
	}
	return stego.AnalyzeCapacity(img), false, nil
}

// CheckCompatibility reports whether the QR code for data fits cover.
func (s *Service) CheckCompatibility(ctx context.Context, cover image.Image, data string) (stego.Compatibility, error) {
	bm, err := s.qr.Encode(data, s.level)
	if err != nil {
		return stego.Compatibility{}, err
	}
	return stego.CheckCompatibility(cover, bm), nil
}
