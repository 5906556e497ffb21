// Package conformance provides a test harness that drives a running qrseald
// HTTP surface through the documented binding and steganography flows.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/qrcodec"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/server"
	"github.com/qrseal/qrseal-go/internal/service"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
)

// Harness provides a test harness for qrseald conformance testing.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	cache  *stego.AnalysisCache
	events *event.Recorder
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// Store selects the record backend: memory, file or badger.
	Store string

	// DataDir holds the file and badger stores.
	DataDir string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var store storage.Store
	switch cfg.Store {
	case "", "memory":
		store = storage.NewMemory()
	case "file":
		s, err := storage.NewFile(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		store = s
	case "badger":
		s, err := storage.NewBadger(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	ks, err := binding.KeyStoreFromSecret("conformance-secret", "conformance")
	if err != nil {
		return nil, err
	}
	events := &event.Recorder{}
	cache := stego.NewAnalysisCache(time.Minute)
	svc, err := service.New(service.Deps{
		Fingerprinter: fingerprint.New(),
		Tokens:        binding.NewService(ks),
		QR:            qrcodec.New(),
		Store:         store,
		Events:        events,
		Schemas:       schema.MustValidator(),
		Cache:         cache,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build service: %w", err)
	}

	return &Harness{
		server: httptest.NewServer(server.NewMux(svc, server.Options{Logger: logger})),
		store:  store,
		cache:  cache,
		events: events,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.cache.Close()
	h.store.Close()
}

// RunConformanceTests runs all conformance tests against the server.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("StegoRoundTrip", h.testStegoRoundTrip)
	t.Run("BindingLifecycle", h.testBindingLifecycle)
	t.Run("TamperDetection", h.testTamperDetection)
	t.Run("PreRegistration", h.testPreRegistration)
	t.Run("Pagination", h.testPagination)
	t.Run("ErrorTaxonomy", h.testErrorTaxonomy)
}

// formPart is one field of a multipart request.
type formPart struct {
	name, filename string
	body           []byte
}

func textPart(name, value string) formPart { return formPart{name: name, body: []byte(value)} }

func filePart(name, filename string, body []byte) formPart {
	return formPart{name: name, filename: filename, body: body}
}

// postForm sends a multipart POST and returns the response with its body.
func (h *Harness) postForm(t *testing.T, path string, parts ...formPart) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.name, p.filename)
		} else {
			w, err = mw.CreateFormField(p.name)
		}
		if err != nil {
			t.Fatalf("build form: %v", err)
		}
		_, _ = w.Write(p.body)
	}
	_ = mw.Close()

	resp, err := http.Post(h.URL()+path, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func (h *Harness) postJSON(t *testing.T, path string, v interface{}) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(v)
	resp, err := http.Post(h.URL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func (h *Harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.URL() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

// data unwraps a success envelope into v.
func data(t *testing.T, body []byte, v interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
		t.Fatalf("expected data envelope, got %s", body)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// errorCode returns the code of an error envelope.
func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("expected error envelope, got %s", body)
	}
	return env.Error.Code
}

func coverPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	b, err := stego.PNGBytes(img)
	if err != nil {
		t.Fatalf("encode cover: %v", err)
	}
	return b
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := h.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testStegoRoundTrip embeds plain text and reads it back.
func (h *Harness) testStegoRoundTrip(t *testing.T) {
	resp, stegoPNG := h.postForm(t, "/v1/stego/embed",
		filePart("cover", "cover.png", coverPNG(t, 160)), textPart("data", "conformance payload"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("embed: expected 200, got %d: %s", resp.StatusCode, stegoPNG)
	}

	resp, body := h.postForm(t, "/v1/stego/extract",
		filePart("stego", "stego.png", stegoPNG), textPart("decode", "true"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extract: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		QRText string `json:"qr_text"`
	}
	data(t, body, &out)
	if out.QRText != "conformance payload" {
		t.Errorf("extract: got %q, want %q", out.QRText, "conformance payload")
	}

	resp, body = h.postForm(t, "/v1/stego/metrics",
		filePart("original", "cover.png", coverPNG(t, 160)), filePart("stego", "stego.png", stegoPNG))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var q stego.QualityMetrics
	data(t, body, &q)
	if q.PSNR == nil || *q.PSNR < 40 {
		t.Errorf("metrics: PSNR %v is below 40 dB", q.PSNR)
	}
}

// testBindingLifecycle issues a binding, embeds it and verifies the
// extracted code against the same document.
func (h *Harness) testBindingLifecycle(t *testing.T) {
	doc := []byte("conformance lifecycle document")
	before := len(h.events.Issued())

	resp, body := h.postForm(t, "/v1/stego/embed",
		filePart("cover", "cover.png", coverPNG(t, 256)),
		filePart("document", "lifecycle.txt", doc),
		textPart("data", "lifecycle"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("embed: expected 200, got %d: %s", resp.StatusCode, body)
	}
	id := resp.Header.Get("X-Document-Id")
	if id == "" {
		t.Fatal("embed: X-Document-Id header missing")
	}
	if got := len(h.events.Issued()); got != before+1 {
		t.Errorf("expected one issued event, got %d", got-before)
	}

	resp, rec := h.get(t, "/v1/bindings/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get binding: expected 200, got %d: %s", resp.StatusCode, rec)
	}

	resp, vbody := h.postForm(t, "/v1/stego/verify",
		filePart("stego", "stego.png", body), filePart("document", "lifecycle.txt", doc))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", resp.StatusCode, vbody)
	}
	var v struct {
		Valid         bool   `json:"valid"`
		SecurityLevel string `json:"security_level"`
		OriginalData  string `json:"original_data"`
	}
	data(t, vbody, &v)
	if !v.Valid || v.SecurityLevel != "secure" || v.OriginalData != "lifecycle" {
		t.Errorf("verify: got %+v", v)
	}
}

// testTamperDetection verifies a bound code against an edited document.
func (h *Harness) testTamperDetection(t *testing.T) {
	resp, body := h.postForm(t, "/v1/bindings",
		filePart("document", "original.txt", []byte("pay 100 EUR")), textPart("data", "invoice-9"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var issued struct {
		Envelope string `json:"secure_qr_data"`
	}
	data(t, body, &issued)

	resp, body = h.postForm(t, "/v1/bindings/verify",
		filePart("document", "original.txt", []byte("pay 900 EUR")), textPart("qr_data", issued.Envelope))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var v struct {
		Valid     bool   `json:"valid"`
		ErrorType string `json:"error_type"`
		Reason    string `json:"reason"`
	}
	data(t, body, &v)
	if v.Valid || v.ErrorType != "BINDING_MISMATCH" || v.Reason != "fingerprint_mismatch" {
		t.Errorf("verify tampered document: got %+v", v)
	}
}

// testPreRegistration pre-registers a document, then generates its code.
func (h *Harness) testPreRegistration(t *testing.T) {
	resp, body := h.postForm(t, "/v1/bindings/preregister",
		filePart("document", "draft.txt", []byte("draft contents")), textPart("data", "draft-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("preregister: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var reg struct {
		ID    string `json:"registration_id"`
		Token string `json:"binding_token"`
	}
	data(t, body, &reg)

	resp, body = h.postJSON(t, "/v1/bindings/qr", map[string]string{"data": "draft-1", "binding_token": reg.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", resp.StatusCode, body)
	}

	resp, body = h.get(t, "/v1/bindings/"+reg.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get binding: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var rec struct {
		Status string `json:"status"`
	}
	data(t, body, &rec)
	if rec.Status != "active" {
		t.Errorf("after generate: status %q, want active", rec.Status)
	}
}

// testPagination walks the binding list with cursors.
func (h *Harness) testPagination(t *testing.T) {
	for i := 0; i < 3; i++ {
		resp, body := h.postForm(t, "/v1/bindings",
			filePart("document", "page.txt", []byte(fmt.Sprintf("page document %d", i))), textPart("data", "page"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("issue %d: expected 201, got %d: %s", i, resp.StatusCode, body)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 50; pages++ {
		path := "/v1/bindings/list?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		resp, body := h.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list: expected 200, got %d: %s", resp.StatusCode, body)
		}
		var page struct {
			Records []struct {
				DocumentID string `json:"document_id"`
			} `json:"records"`
			NextCursor string `json:"nextCursor"`
		}
		data(t, body, &page)
		if len(page.Records) > 2 {
			t.Fatalf("list: page of %d exceeds limit 2", len(page.Records))
		}
		for _, r := range page.Records {
			if seen[r.DocumentID] {
				t.Errorf("list: %s returned twice", r.DocumentID)
			}
			seen[r.DocumentID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) < 3 {
		t.Errorf("list: saw %d records, want at least 3", len(seen))
	}
}

// testErrorTaxonomy checks error codes for common failures.
func (h *Harness) testErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		do       func() (*http.Response, []byte)
		status   int
		wantCode string
	}{
		{
			name:     "unknown binding",
			do:       func() (*http.Response, []byte) { return h.get(t, "/v1/bindings/does-not-exist") },
			status:   http.StatusNotFound,
			wantCode: "QRS_NOT_FOUND",
		},
		{
			name: "cover too small",
			do: func() (*http.Response, []byte) {
				return h.postForm(t, "/v1/stego/embed", filePart("cover", "c.png", coverPNG(t, 8)), textPart("data", "x"))
			},
			status:   http.StatusUnprocessableEntity,
			wantCode: "QRS_CAPACITY_EXCEEDED",
		},
		{
			name: "missing data",
			do: func() (*http.Response, []byte) {
				return h.postForm(t, "/v1/bindings", filePart("document", "d.txt", []byte("d")))
			},
			status:   http.StatusBadRequest,
			wantCode: "QRS_VALIDATION",
		},
		{
			name: "malformed token",
			do: func() (*http.Response, []byte) {
				return h.postJSON(t, "/v1/bindings/qr", map[string]string{"data": "x", "binding_token": "%%%"})
			},
			status:   http.StatusBadRequest,
			wantCode: "QRS_TOKEN_MALFORMED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tt.do()
			if resp.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
			if code := errorCode(t, body); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}
