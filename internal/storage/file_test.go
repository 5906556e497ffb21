package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrseal/qrseal-go/internal/model"
)

func writeRaw(t *testing.T, dir, name string, v any) {
	t.Helper()
	b, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o600))
}

func legacyRecord(fingerprintID string) map[string]any {
	return map[string]any{
		"document_fingerprint": map[string]any{
			"version":          "1.0",
			"fingerprint_id":   fingerprintID,
			"fingerprint_hash": "h-" + fingerprintID,
			"content_hash":     "c",
		},
		"qr_data":       "legacy payload",
		"binding_token": "tok",
		"created_at":    10,
		"expires_at":    99999999999,
	}
}

func TestFileStoreWritesIndentedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, record("doc-1", model.StatusActive, 1, 2)))
	require.NoError(t, s.SavePreRegistration(ctx, record("doc-2", model.StatusPreRegistered, 1, 2)))

	b, err := os.ReadFile(filepath.Join(dir, "doc-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "\n  \"document_id\": \"doc-1\"")
	assert.FileExists(t, filepath.Join(dir, "prereg_doc-2.json"))

	st, err := os.Stat(filepath.Join(dir, "doc-1.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestFileStoreLegacyLookup(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, "0123456789abcdef.json", legacyRecord("0123456789abcdef"))

	s, err := NewFile(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := s.Get(ctx, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "legacy payload", got.QRData)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, "h-0123456789abcdef", got.FingerprintHash)

	// A record saved later under a different file name is still found by
	// the id inside its fingerprint.
	rec := record("other", model.StatusActive, 1, 99999999999)
	rec.DocumentFingerprint.DocumentID = "inner-id"
	require.NoError(t, s.Save(ctx, rec))
	got, err = s.Get(ctx, "inner-id")
	require.NoError(t, err)
	assert.Equal(t, "other", got.DocumentID)
}

func TestFileStoreMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	existing := uuid.NewString()
	writeRaw(t, dir, "0123456789abcdef.json", legacyRecord("0123456789abcdef"))
	writeRaw(t, dir, "prereg_fedcba9876543210.json", legacyRecord("fedcba9876543210"))
	writeRaw(t, dir, existing+".json", map[string]any{
		"document_id":          existing,
		"document_fingerprint": map[string]any{"version": "2.0", "document_id": existing},
		"status":               "active",
	})
	writeRaw(t, dir, "notes.json", map[string]any{"x": 1})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600))

	s, err := NewFile(dir, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 8, 7, 6, 0, time.UTC) }
	ctx := context.Background()

	a, err := s.AnalyzeLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, a.TotalFiles)
	assert.Equal(t, 2, a.HashBased)
	assert.Equal(t, 1, a.UUIDBased)
	assert.Equal(t, 2, a.Invalid)
	assert.Equal(t, 1, a.Version2)
	assert.Equal(t, 3, a.Version1)
	assert.True(t, a.Required())

	rep, err := s.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	require.Len(t, rep.Migrated, 2)
	assert.Equal(t, filepath.Join(dir, "backups", "backup_20240309_080706.tar.xz"), rep.Backup)

	newName := rep.Migrated["0123456789abcdef.json"]
	assert.NoFileExists(t, filepath.Join(dir, "0123456789abcdef.json"))
	id := newName[:len(newName)-len(".json")]
	require.NoError(t, uuid.Validate(id))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "legacy payload", got.QRData)
	assert.Equal(t, "2.0", got.DocumentFingerprint.Version)

	// The old fingerprint id still resolves after the rename.
	got, err = s.Get(ctx, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, id, got.DocumentID)

	assert.Regexp(t, `^prereg_[0-9a-f-]{36}\.json$`, rep.Migrated["prereg_fedcba9876543210.json"])

	files, err := RestoreBackup(rep.Backup)
	require.NoError(t, err)
	assert.Contains(t, files, "0123456789abcdef.json")
	assert.Contains(t, files, "broken.json")
	assert.Equal(t, "{", string(files["broken.json"]))

	again, err := s.AnalyzeLegacy(ctx)
	require.NoError(t, err)
	assert.False(t, again.Required())
}

func TestFileStoreMigrateNothing(t *testing.T) {
	s, err := NewFile(t.TempDir(), nil)
	require.NoError(t, err)
	rep, err := s.MigrateLegacy(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Backup)
	assert.Empty(t, rep.Migrated)
}
