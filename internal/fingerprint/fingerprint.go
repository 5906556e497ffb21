// Package fingerprint derives a stable content digest and metadata summary
// for a document, plus a fresh per-run document identifier.
package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Version is the fingerprint format version.
	Version = "2.0"
	// SecurityLevel is recorded in every fingerprint.
	SecurityLevel = "standard"
	// DefaultMaxSize is the default document size ceiling (50 MiB).
	DefaultMaxSize int64 = 50 * 1024 * 1024

	chunkSize = 4096
)

var (
	ErrDocumentTooLarge = errors.New("document too large")
	ErrDocumentNotFound = errors.New("document not found")
)

// FileInfo describes the file a fingerprint was taken from.
type FileInfo struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Extension    string `json:"extension"`
	ModifiedTime int64  `json:"modified_time"`
}

// Fingerprint identifies one document. DocumentID and Timestamp change on
// every run; FingerprintHash only changes when content or content-derived
// metadata changes.
type Fingerprint struct {
	Version          string         `json:"version"`
	DocumentID       string         `json:"document_id"`
	Timestamp        int64          `json:"timestamp"`
	FileInfo         FileInfo       `json:"file_info"`
	ContentHash      string         `json:"content_hash"`
	DocumentMetadata map[string]any `json:"document_metadata"`
	SecurityLevel    string         `json:"security_level"`
	FingerprintHash  string         `json:"fingerprint_hash"`
}

// CanonicalJSON returns the sorted-key compact JSON the fingerprint hash is
// computed over. It leaves out fingerprint_hash itself along with document_id,
// timestamp, file_info.name and file_info.modified_time, so the same bytes
// fingerprinted again under another name or at another time hash equally.
func (fp *Fingerprint) CanonicalJSON() ([]byte, error) {
	doc := map[string]any{
		"version":      fp.Version,
		"content_hash": fp.ContentHash,
		"file_info": map[string]any{
			"size":      fp.FileInfo.Size,
			"extension": fp.FileInfo.Extension,
		},
		"document_metadata": fp.DocumentMetadata,
		"security_level":    fp.SecurityLevel,
	}
	return json.Marshal(doc)
}

// ComputeHash returns the hex SHA-256 of CanonicalJSON.
func (fp *Fingerprint) ComputeHash() (string, error) {
	b, err := fp.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprinter produces fingerprints. The zero value is not usable; use New.
type Fingerprinter struct {
	maxSize    int64
	extractors *Registry
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithMaxSize sets the document size ceiling in bytes.
func WithMaxSize(n int64) Option { return func(f *Fingerprinter) { f.maxSize = n } }

// WithRegistry replaces the metadata extractor registry.
func WithRegistry(r *Registry) Option { return func(f *Fingerprinter) { f.extractors = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(f *Fingerprinter) { f.now = now } }

// WithLogger sets the logger used for extraction warnings.
func WithLogger(l *slog.Logger) Option { return func(f *Fingerprinter) { f.logger = l } }

// New returns a Fingerprinter with the default extractors and a 50 MiB ceiling.
func New(opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		maxSize:    DefaultMaxSize,
		extractors: DefaultRegistry(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// MaxSize returns the configured size ceiling.
func (f *Fingerprinter) MaxSize() int64 { return f.maxSize }

// FingerprintFile fingerprints the document at path.
func (f *Fingerprinter) FingerprintFile(ctx context.Context, path string) (*Fingerprint, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDocumentNotFound, path)
	}
	if st.Size() > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrDocumentTooLarge, st.Size(), f.maxSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	defer file.Close()

	info := FileInfo{
		Name:         filepath.Base(path),
		Size:         st.Size(),
		Extension:    strings.ToLower(filepath.Ext(path)),
		ModifiedTime: st.ModTime().Unix(),
	}
	hash, err := hashChunks(ctx, file)
	if err != nil {
		return nil, err
	}
	return f.build(ctx, info, hash, io.NewSectionReader(file, 0, st.Size()))
}

// Fingerprint fingerprints a document read from r. info.Name supplies the
// extension; info.Size is overwritten with the number of bytes read.
func (f *Fingerprinter) Fingerprint(ctx context.Context, r io.Reader, info FileInfo) (*Fingerprint, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no reader", ErrDocumentNotFound)
	}
	// Buffer at most maxSize+1 bytes so oversize input is detected
	// without reading it all.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	if n > f.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, f.maxSize)
	}
	data := buf.Bytes()

	info.Size = n
	if info.Extension == "" {
		info.Extension = strings.ToLower(filepath.Ext(info.Name))
	}
	hash, err := hashChunks(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return f.build(ctx, info, hash, io.NewSectionReader(bytes.NewReader(data), 0, n))
}

func (f *Fingerprinter) build(ctx context.Context, info FileInfo, contentHash string, doc *io.SectionReader) (*Fingerprint, error) {
	fp := &Fingerprint{
		Version:          Version,
		DocumentID:       f.newID(),
		Timestamp:        f.now().Unix(),
		FileInfo:         info,
		ContentHash:      contentHash,
		DocumentMetadata: f.extractMetadata(ctx, info.Extension, doc),
		SecurityLevel:    SecurityLevel,
	}
	h, err := fp.ComputeHash()
	if err != nil {
		return nil, err
	}
	fp.FingerprintHash = h
	f.logger.Debug("document fingerprinted",
		"document_id", fp.DocumentID,
		"name", info.Name,
		"size", info.Size,
		"fingerprint_hash", h)
	return fp, nil
}

func (f *Fingerprinter) extractMetadata(ctx context.Context, ext string, doc *io.SectionReader) map[string]any {
	meta := map[string]any{"type": ext}
	ex := f.extractors.Find(ext)
	if ex == nil {
		meta["extraction_method"] = "basic"
		return meta
	}
	meta["extraction_method"] = ex.Name()
	fields, err := ex.Extract(ctx, doc, doc.Size())
	if err != nil {
		f.logger.Warn("metadata extraction failed", "extension", ext, "extractor", ex.Name(), "error", err)
		meta["metadata_error"] = err.Error()
		return meta
	}
	for k, v := range fields {
		meta[k] = v
	}
	return meta
}

// hashChunks streams r through SHA-256 in fixed-size chunks.
func hashChunks(ctx context.Context, r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
