package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/envelope"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/model"
	"github.com/qrseal/qrseal-go/internal/qrcodec"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key, _ string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

type fixture struct {
	svc     *Service
	store   storage.Store
	events  *event.Recorder
	objects *memObjects
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	ks, err := binding.NewKeyStore(make([]byte, binding.KeySize))
	require.NoError(t, err)
	f := &fixture{
		store:   storage.NewMemory(),
		events:  &event.Recorder{},
		objects: &memObjects{},
		clock:   c,
	}
	f.svc, err = New(Deps{
		Fingerprinter: fingerprint.New(fingerprint.WithClock(c.now)),
		Tokens:        binding.NewService(ks, binding.WithClock(c.now)),
		QR:            qrcodec.New(),
		Store:         f.store,
		Events:        f.events,
		Objects:       f.objects,
		Schemas:       schema.MustValidator(),
		Cache:         stego.NewAnalysisCache(time.Minute),
		Now:           c.now,
	})
	require.NoError(t, err)
	return f
}

func doc(content string) Document {
	return Document{Name: "contract.txt", Reader: strings.NewReader(content)}
}

func cover(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func hours(n int) *int { return &n }

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestIssueBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueBinding(ctx, doc("terms v1"), "https://example.com/x", nil)
	require.NoError(t, err)

	assert.False(t, issued.Compact)
	assert.Equal(t, model.StatusActive, issued.Record.Status)
	assert.Equal(t, int64(1_700_000_000+24*3600), issued.Record.ExpiresAt)
	require.NotNil(t, issued.QR)

	parsed := envelope.Unwrap(issued.Envelope)
	assert.True(t, parsed.IsSecure)
	assert.Equal(t, "https://example.com/x", parsed.Data)
	assert.Equal(t, issued.Token, parsed.Token)

	rec, err := f.store.Get(ctx, issued.Record.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, issued.Envelope, rec.SecureQRData)

	require.Len(t, f.events.Issued(), 1)
	assert.Equal(t, issued.Record.DocumentID, f.events.Issued()[0].DocumentID)
}

func TestIssueBindingNegativeExpiry(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IssueBinding(context.Background(), doc("terms"), "x", hours(-1))
	assert.ErrorIs(t, err, binding.ErrInvalidExpiry)
}

func TestIssueBindingPublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.events.Err = assert.AnError
	_, err := f.svc.IssueBinding(context.Background(), doc("terms"), "x", nil)
	assert.NoError(t, err)
}

func TestVerifyText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueBinding(ctx, doc("terms v1"), "payload", hours(1))
	require.NoError(t, err)

	t.Run("same document", func(t *testing.T) {
		v, err := f.svc.VerifyText(ctx, issued.Envelope, doc("terms v1"))
		require.NoError(t, err)
		assert.True(t, v.IsSecure)
		assert.True(t, v.Valid)
		assert.Equal(t, "payload", v.Data)
	})

	t.Run("modified document", func(t *testing.T) {
		v, err := f.svc.VerifyText(ctx, issued.Envelope, doc("terms v2"))
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, binding.ReasonFingerprintMismatch, v.Result.Reason)
	})

	t.Run("legacy payload", func(t *testing.T) {
		v, err := f.svc.VerifyText(ctx, "plain text", doc("anything"))
		require.NoError(t, err)
		assert.False(t, v.IsSecure)
		assert.True(t, v.Valid)
		assert.Equal(t, "plain text", v.Data)
	})

	t.Run("expired", func(t *testing.T) {
		f.clock.t = f.clock.t.Add(2 * time.Hour)
		defer func() { f.clock.t = f.clock.t.Add(-2 * time.Hour) }()
		v, err := f.svc.VerifyText(ctx, issued.Envelope, doc("terms v1"))
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, binding.ReasonExpired, v.Result.Reason)
	})

	assert.Len(t, f.events.Verified(), 3)
}

func TestPreRegisterThenGenerateQR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.PreRegister(ctx, doc("draft"), "invoice-42", nil)
	require.NoError(t, err)
	assert.Equal(t, "contract.txt", reg.Document.Filename)
	assert.Equal(t, ".txt", reg.Document.Type)

	rec, err := f.store.Get(ctx, reg.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPreRegistered, rec.Status)

	gen, err := f.svc.GenerateQR(ctx, "invoice-42", reg.Token)
	require.NoError(t, err)
	assert.NoError(t, gen.Bitmap.Validate())

	text, err := qrcodec.New().DecodeBitmap(gen.Bitmap)
	require.NoError(t, err)
	assert.Equal(t, gen.Envelope, text)

	rec, err = f.store.Get(ctx, reg.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, gen.Envelope, rec.SecureQRData)

	v, err := f.svc.VerifyText(ctx, text, doc("draft"))
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestGenerateQRMalformedToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GenerateQR(context.Background(), "x", "not-a-token")
	assert.ErrorIs(t, err, binding.ErrMalformedToken)
}

func TestEmbedBoundExtractVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.EmbedBound(ctx, cover(256), doc("signed pdf body"), "https://example.com/doc", nil, EmbedOptions{Upload: true})
	require.NoError(t, err)
	assert.True(t, out.Secure)
	assert.False(t, out.Report.Resized)
	assert.Equal(t, "stego/"+out.DocumentID+".png", out.ObjectKey)
	assert.Equal(t, "https://objects.test/"+out.ObjectKey, out.DownloadURL)
	assert.Equal(t, out.PNG, f.objects.objects[out.ObjectKey])

	rec, err := f.store.Get(ctx, out.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, out.ObjectKey, rec.ObjectKey)

	img, err := stego.DecodeStego(bytes.NewReader(out.PNG))
	require.NoError(t, err)

	v, err := f.svc.VerifyStego(ctx, img, doc("signed pdf body"))
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "https://example.com/doc", v.Data)

	v, err = f.svc.VerifyStego(ctx, img, doc("tampered pdf body"))
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestEmbedBoundCapacityFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.EmbedBound(ctx, cover(10), doc("signed pdf body"), "https://example.com/doc", nil, EmbedOptions{Upload: true})
	require.ErrorIs(t, err, stego.ErrCapacityExceeded)

	res, err := f.svc.ListBindings(ctx, model.ListBindingsQuery{})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, f.events.Issued())
	assert.Empty(t, f.objects.objects)
}

func TestEmbedLegacyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.EmbedLegacy(ctx, cover(128), "hello", EmbedOptions{})
	require.NoError(t, err)
	assert.False(t, out.Secure)

	img, err := stego.DecodeStego(bytes.NewReader(out.PNG))
	require.NoError(t, err)
	ex, err := f.svc.ExtractQR(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, "hello", ex.Text)
}

func TestEmbedTooSmallCover(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.EmbedLegacy(context.Background(), cover(16), "hello", EmbedOptions{})
	assert.ErrorIs(t, err, stego.ErrCapacityExceeded)
}

func TestSecurityInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueBinding(ctx, doc("terms"), "data", nil)
	require.NoError(t, err)

	info := f.svc.SecurityInfo(ctx, issued.Envelope)
	assert.True(t, info.IsSecure)
	assert.True(t, info.IsUUIDBased)
	assert.Equal(t, "data", info.OriginalData)
	require.NotNil(t, info.Binding)
	assert.Equal(t, issued.Record.DocumentID, info.Binding.DocumentID)
	assert.Equal(t, issued.Record.FingerprintHash[:16]+"...", info.Binding.ExpectedFingerprint)

	legacy := f.svc.SecurityInfo(ctx, "plain")
	assert.Equal(t, "legacy", legacy.Version)
	assert.Equal(t, "unbound", legacy.BindingStatus)
	assert.Nil(t, legacy.Binding)
}

func TestAnalyzeCoverUsesCache(t *testing.T) {
	f := newFixture(t)
	png, err := stego.PNGBytes(cover(64))
	require.NoError(t, err)

	a, cached, err := f.svc.AnalyzeCover(context.Background(), png)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 64*64, a.TotalPixels)

	_, cached, err = f.svc.AnalyzeCover(context.Background(), png)
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestListBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		_, err := f.svc.IssueBinding(ctx, doc(body), body, nil)
		require.NoError(t, err)
	}
	res, err := f.svc.ListBindings(ctx, model.ListBindingsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.NotEmpty(t, res.NextCursor)
}
