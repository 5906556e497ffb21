// Package service implements the document binding workflows on top of the
// fingerprint, binding, envelope, qrcodec, stego and storage packages.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/envelope"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/media"
	"github.com/qrseal/qrseal-go/internal/metrics"
	"github.com/qrseal/qrseal-go/internal/qrcap"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
	"github.com/qrseal/qrseal-go/internal/telemetry"
)

// QRCodec renders and reads QR rasters.
type QRCodec interface {
	Encode(text string, level qrcap.Level) (stego.Bitmap, error)
	DecodeBitmap(bm stego.Bitmap) (string, error)
}

// Document is an uploaded document to fingerprint.
type Document struct {
	Name   string
	Reader io.Reader
}

// Deps are the collaborators of a Service. Fingerprinter, Tokens, QR and
// Store are required.
type Deps struct {
	Fingerprinter *fingerprint.Fingerprinter
	Tokens        *binding.Service
	Packer        *envelope.Packer
	QR            QRCodec
	Store         storage.Store
	Events        event.Publisher
	Objects       media.ObjectStore
	Schemas       *schema.Validator
	Metrics       *metrics.Metrics
	Cache         *stego.AnalysisCache
	Logger        *slog.Logger

	DefaultExpiryHours int
	Level              qrcap.Level   // error correction for generated codes
	PresignTTL         time.Duration // lifetime of download URLs
	Now                func() time.Time
}

// Service runs the binding workflows.
type Service struct {
	fp      *fingerprint.Fingerprinter
	tokens  *binding.Service
	packer  *envelope.Packer
	qr      QRCodec
	store   storage.Store
	events  event.Publisher
	objects media.ObjectStore
	schemas *schema.Validator
	metrics *metrics.Metrics
	cache   *stego.AnalysisCache
	logger  *slog.Logger

	defaultExpiry int
	level         qrcap.Level
	presignTTL    time.Duration
	now           func() time.Time
}

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("service: missing dependency")

// New builds a Service, filling optional collaborators with defaults.
func New(d Deps) (*Service, error) {
	if d.Fingerprinter == nil || d.Tokens == nil || d.QR == nil || d.Store == nil {
		return nil, ErrMissingDependency
	}
	s := &Service{
		fp:            d.Fingerprinter,
		tokens:        d.Tokens,
		packer:        d.Packer,
		qr:            d.QR,
		store:         d.Store,
		events:        d.Events,
		objects:       d.Objects,
		schemas:       d.Schemas,
		metrics:       d.Metrics,
		cache:         d.Cache,
		logger:        d.Logger,
		defaultExpiry: d.DefaultExpiryHours,
		level:         d.Level,
		presignTTL:    d.PresignTTL,
		now:           d.Now,
	}
	if s.packer == nil {
		s.packer = envelope.NewPacker(0)
	}
	if s.events == nil {
		s.events = event.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaultExpiry <= 0 {
		s.defaultExpiry = 24
	}
	if s.level == "" {
		s.level = qrcap.M
	}
	if s.presignTTL <= 0 {
		s.presignTTL = 15 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.packer.Now == nil {
		s.packer.Now = s.now
	}
	return s, nil
}

// DefaultExpiryHours is the binding lifetime used when a request gives none.
func (s *Service) DefaultExpiryHours() int { return s.defaultExpiry }

// Store returns the record store.
func (s *Service) Store() storage.Store { return s.store }

// Ready checks the store.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Fingerprint fingerprints doc.
func (s *Service) Fingerprint(ctx context.Context, doc Document) (*fingerprint.Fingerprint, error) {
	fp, err := s.fp.Fingerprint(ctx, doc.Reader, fingerprint.FileInfo{Name: doc.Name})
	if err != nil {
		return nil, err
	}
	if s.schemas != nil {
		if err := s.schemas.Validate(schema.KindFingerprint, fp); err != nil {
			return nil, err
		}
	}
	return fp, nil
}
