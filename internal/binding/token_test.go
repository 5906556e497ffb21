package binding

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrseal/qrseal-go/internal/fingerprint"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func testService(t *testing.T, clock *fakeClock) *Service {
	t.Helper()
	ks, err := NewKeyStore(make([]byte, KeySize))
	require.NoError(t, err)
	return NewService(ks, WithClock(clock.now))
}

func testFingerprint(hash string) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{DocumentID: "doc-1", FingerprintHash: hash}
}

func TestIssueVerifyLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := testService(t, clock)
	fp := testFingerprint("abc")

	tok, err := svc.Issue(fp, "hello", 1)
	require.NoError(t, err)

	res, err := svc.Verify(tok, fp)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "hello", res.QRData)
	assert.Equal(t, int64(1_700_000_000), res.IssuedAt)
	assert.Equal(t, int64(1_700_003_600), res.ExpiresAt)
	assert.Equal(t, "doc-1", res.TokenDocumentID)

	// Exactly at expires_at is still valid.
	clock.t = time.Unix(1_700_003_600, 0)
	res, err = svc.Verify(tok, fp)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	clock.t = clock.t.Add(time.Second)
	res, err = svc.Verify(tok, fp)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := testService(t, clock)

	tok, err := svc.Issue(testFingerprint("abc"), "hello", 24)
	require.NoError(t, err)

	res, err := svc.Verify(tok, testFingerprint("def"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonFingerprintMismatch, res.Reason)
	assert.Equal(t, "abc", res.ExpectedFingerprint)
	assert.Equal(t, "def", res.ActualFingerprint)
	assert.Empty(t, res.QRData)
}

func rewrap(t *testing.T, tok string, mutate func(m map[string]string)) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(tok)
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(raw, &m))
	mutate(m)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(out)
}

func TestVerifyDetectsTampering(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := testService(t, clock)
	fp := testFingerprint("abc")
	tok, err := svc.Issue(fp, "pay 10", 24)
	require.NoError(t, err)

	forged := rewrap(t, tok, func(m map[string]string) {
		p, err := base64.StdEncoding.DecodeString(m["payload"])
		require.NoError(t, err)
		var payload Payload
		require.NoError(t, json.Unmarshal(p, &payload))
		payload.QRData = "pay 1000"
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		m["payload"] = base64.StdEncoding.EncodeToString(b)
	})
	res, err := svc.Verify(forged, fp)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidSignature, res.Reason)

	// A different key rejects the original token.
	ks, err := NewKeyStore(append(make([]byte, KeySize-1), 1))
	require.NoError(t, err)
	res, err = NewService(ks, WithClock(clock.now)).Verify(tok, fp)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
}

func TestVerifySignatureCheckedBeforeExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := testService(t, clock)
	tok, err := svc.Issue(testFingerprint("abc"), "x", 0)
	require.NoError(t, err)
	forged := rewrap(t, tok, func(m map[string]string) {
		m["signature"] = base64.StdEncoding.EncodeToString(make([]byte, 32))
	})

	clock.t = clock.t.Add(time.Hour)
	res, err := svc.Verify(forged, testFingerprint("abc"))
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
}

func TestVerifyMalformed(t *testing.T) {
	svc := testService(t, &fakeClock{t: time.Unix(0, 0)})
	fp := testFingerprint("abc")

	for name, tok := range map[string]string{
		"not base64":     "%%%",
		"not json":       base64.StdEncoding.EncodeToString([]byte("nope")),
		"missing fields": base64.StdEncoding.EncodeToString([]byte(`{"payload":"e30="}`)),
		"bad payload":    base64.StdEncoding.EncodeToString([]byte(`{"payload":"!!","signature":"","version":"2.0"}`)),
	} {
		_, err := svc.Verify(tok, fp)
		assert.ErrorIs(t, err, ErrMalformedToken, name)
	}
}

func TestIssueRejectsNegativeExpiry(t *testing.T) {
	svc := testService(t, &fakeClock{t: time.Unix(0, 0)})
	_, err := svc.Issue(testFingerprint("abc"), "x", -1)
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}

func TestPayloadKeysAreSorted(t *testing.T) {
	svc := testService(t, &fakeClock{t: time.Unix(100, 0)})
	tok, err := svc.Issue(testFingerprint("abc"), "q", 1)
	require.NoError(t, err)

	var payload string
	rewrap(t, tok, func(m map[string]string) { payload = m["payload"] })
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.Equal(t,
		`{"document_id":"doc-1","expires_at":3700,"fingerprint_hash":"abc","issued_at":100,"qr_data":"q","version":"2.0"}`,
		string(raw))
}

func TestInspect(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := testService(t, clock)
	tok, err := svc.Issue(testFingerprint("abc"), "hello", 1)
	require.NoError(t, err)

	info, err := svc.Inspect(tok)
	require.NoError(t, err)
	assert.Equal(t, "hello", info.QRData)
	assert.False(t, info.Expired)
	assert.False(t, info.Verified)

	clock.t = clock.t.Add(2 * time.Hour)
	info, err = svc.Inspect(tok)
	require.NoError(t, err)
	assert.True(t, info.Expired)

	p, err := PeekPayload(tok)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", p.DocumentID)
}

func TestLoadOrCreateKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "security_key.bin")

	k1, err := LoadOrCreateKey(path, nil)
	require.NoError(t, err)
	require.Len(t, k1, KeySize)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	k2, err := LoadOrCreateKey(path, nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	k3, err := LoadOrCreateKey(path, nil)
	require.NoError(t, err)
	assert.Len(t, k3, KeySize)
	assert.NotEqual(t, k1, k3)

	ks, err := OpenKeyStore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, k3, ks.Key())
	assert.Equal(t, "file:"+path, ks.Source())
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("secret"), []byte("salt"))
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"), []byte("salt"))
	require.NoError(t, err)
	c, err := DeriveKey([]byte("secret"), []byte("pepper"))
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey(nil, nil)
	assert.ErrorIs(t, err, ErrEmptySecret)

	ks, err := KeyStoreFromSecret("secret", "salt")
	require.NoError(t, err)
	assert.Equal(t, a, ks.Key())
	assert.Len(t, ks.ID(), 8)
}

func TestKeyStoreCopiesKey(t *testing.T) {
	raw := make([]byte, KeySize)
	ks, err := NewKeyStore(raw)
	require.NoError(t, err)
	raw[0] = 1
	k := ks.Key()
	assert.Equal(t, byte(0), k[0])
	k[1] = 1
	assert.Equal(t, byte(0), ks.Key()[1])

	_, err = NewKeyStore([]byte("short"))
	assert.Error(t, err)
}
