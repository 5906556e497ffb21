package storage

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"github.com/qrseal/qrseal-go/internal/fsutil"
	"github.com/qrseal/qrseal-go/internal/model"
)

const (
	preregPrefix = "prereg_"
	recordExt    = ".json"
	backupDir    = "backups"
)

// legacyName matches the 16 hex digit file stems written before records
// were keyed by document UUID.
var legacyName = regexp.MustCompile(`^[0-9a-f]{16}$`)

// FileStore keeps one JSON file per record in a directory. Writes are
// atomic per file; there is no locking across files.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	legacy map[string]string // id -> file name, built lazily
}

// NewFile opens (creating if needed) a record directory.
func NewFile(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	logger.Info("initialized binding storage", "dir", dir)
	return &FileStore{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the record directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(name string) string { return filepath.Join(f.dir, name) }

func (f *FileStore) invalidate() {
	f.mu.Lock()
	f.legacy = nil
	f.mu.Unlock()
}

func (f *FileStore) write(name string, rec model.BindingRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(f.path(name), b, 0o600); err != nil {
		return err
	}
	f.invalidate()
	return nil
}

func (f *FileStore) Save(ctx context.Context, rec model.BindingRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	if err := f.write(rec.DocumentID+recordExt, rec); err != nil {
		return fmt.Errorf("save binding record: %w", err)
	}
	err := os.Remove(f.path(preregPrefix + rec.DocumentID + recordExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pre-registration: %w", err)
	}
	f.logger.Info("saved binding record", "document_id", rec.DocumentID)
	return nil
}

func (f *FileStore) SavePreRegistration(ctx context.Context, rec model.BindingRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	name := preregPrefix + rec.DocumentID + recordExt
	if fsutil.Exists(f.path(name)) {
		return ErrConflict
	}
	if err := f.write(name, rec); err != nil {
		return fmt.Errorf("save pre-registration: %w", err)
	}
	f.logger.Info("saved pre-registration", "document_id", rec.DocumentID)
	return nil
}

// readRecord decodes a record file, filling document_id from the embedded
// fingerprint for records written before it was a top-level field.
func readRecord(path string) (*model.BindingRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.BindingRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if rec.DocumentID == "" && rec.DocumentFingerprint != nil {
		rec.DocumentID = rec.DocumentFingerprint.DocumentID
	}
	if rec.FingerprintHash == "" && rec.DocumentFingerprint != nil {
		rec.FingerprintHash = rec.DocumentFingerprint.FingerprintHash
	}
	if rec.Status == "" {
		rec.Status = model.StatusActive
	}
	return &rec, nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*model.BindingRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, ErrNotFound
	}
	for _, name := range []string{id + recordExt, preregPrefix + id + recordExt} {
		rec, err := readRecord(f.path(name))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load binding record: %w", err)
		}
	}

	idx, err := f.legacyIndex(ctx)
	if err != nil {
		return nil, err
	}
	name, ok := idx[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec, err := readRecord(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		f.invalidate()
		return nil, ErrNotFound
	}
	return rec, err
}

// legacyIndex maps document_fingerprint.document_id and fingerprint_id of
// every record file to its file name.
func (f *FileStore) legacyIndex(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.legacy != nil {
		return f.legacy, nil
	}

	names, err := f.recordFiles()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := readRaw(f.path(name))
		if err != nil {
			f.logger.Warn("skipping unreadable record", "file", name, "error", err)
			continue
		}
		fp, _ := raw["document_fingerprint"].(map[string]any)
		for _, key := range []string{"document_id", "fingerprint_id"} {
			if v, ok := fp[key].(string); ok && v != "" {
				if _, taken := idx[v]; !taken {
					idx[v] = name
				}
			}
		}
	}
	f.legacy = idx
	return idx, nil
}

func readRaw(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *FileStore) recordFiles() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), recordExt) && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return ErrNotFound
	}
	removed := 0
	for _, name := range []string{id + recordExt, preregPrefix + id + recordExt} {
		err := os.Remove(f.path(name))
		switch {
		case err == nil:
			removed++
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("delete binding record: %w", err)
		}
	}
	if removed == 0 {
		return ErrNotFound
	}
	f.invalidate()
	return nil
}

func (f *FileStore) List(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	names, err := f.recordFiles()
	if err != nil {
		return nil, err
	}
	recs := make([]model.BindingRecord, 0, len(names))
	for _, name := range names {
		rec, err := readRecord(f.path(name))
		if err != nil {
			f.logger.Warn("skipping unreadable record", "file", name, "error", err)
			continue
		}
		recs = append(recs, *rec)
	}
	return paginate(recs, q)
}

func (f *FileStore) CleanupExpired(ctx context.Context, now int64) (int, error) {
	names, err := f.recordFiles()
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		rec, err := readRecord(f.path(name))
		if err != nil {
			f.logger.Warn("error processing record", "file", name, "error", err)
			continue
		}
		if !rec.Expired(now) {
			continue
		}
		if err := os.Remove(f.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("could not remove expired record", "file", name, "error", err)
			continue
		}
		cleaned++
		f.logger.Info("cleaned expired record", "file", name)
	}
	if cleaned > 0 {
		f.invalidate()
	}
	return cleaned, nil
}

func (f *FileStore) Ping(ctx context.Context) error {
	st, err := os.Stat(f.dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", f.dir)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

// MigrationAnalysis describes the record files found in the directory.
type MigrationAnalysis struct {
	TotalFiles     int      `json:"total_files"`
	HashBased      int      `json:"hash_based_files"`
	UUIDBased      int      `json:"uuid_based_files"`
	Invalid        int      `json:"invalid_files"`
	Version1       int      `json:"version_1_records"`
	Version2       int      `json:"version_2_records"`
	FilesToMigrate []string `json:"files_to_migrate"`
}

// Required reports whether any file still uses a hash-based name.
func (a MigrationAnalysis) Required() bool { return a.HashBased > 0 }

// MigrationReport is the result of MigrateLegacy.
type MigrationReport struct {
	Analysis MigrationAnalysis `json:"analysis"`
	Backup   string            `json:"backup,omitempty"`
	Migrated map[string]string `json:"migrated"` // old file -> new file
	Failed   map[string]string `json:"failed"`   // old file -> error
}

func splitStem(name string) (stem string, prereg bool) {
	stem = strings.TrimSuffix(name, recordExt)
	if strings.HasPrefix(stem, preregPrefix) {
		return strings.TrimPrefix(stem, preregPrefix), true
	}
	return stem, false
}

// AnalyzeLegacy classifies the record files without changing anything.
func (f *FileStore) AnalyzeLegacy(ctx context.Context) (MigrationAnalysis, error) {
	a := MigrationAnalysis{FilesToMigrate: []string{}}
	names, err := f.recordFiles()
	if err != nil {
		return a, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		a.TotalFiles++
		raw, err := readRaw(f.path(name))
		if err != nil {
			a.Invalid++
			f.logger.Error("error analyzing file", "file", name, "error", err)
			continue
		}
		fp, _ := raw["document_fingerprint"].(map[string]any)
		if v, _ := fp["version"].(string); v == "2.0" {
			a.Version2++
		} else {
			a.Version1++
		}

		stem, _ := splitStem(name)
		switch {
		case uuid.Validate(stem) == nil:
			a.UUIDBased++
		case legacyName.MatchString(stem):
			a.HashBased++
			a.FilesToMigrate = append(a.FilesToMigrate, name)
		default:
			a.Invalid++
			f.logger.Warn("unrecognized file pattern", "file", name)
		}
	}
	return a, nil
}

// MigrateLegacy renames hash-named record files to their document UUID,
// assigning a fresh UUID to records that predate one. A tar.xz backup of
// every record file is written to the backups directory first; migration
// does not start if the backup fails.
func (f *FileStore) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	rep := MigrationReport{Migrated: map[string]string{}, Failed: map[string]string{}}
	a, err := f.AnalyzeLegacy(ctx)
	if err != nil {
		return rep, err
	}
	rep.Analysis = a
	if !a.Required() {
		f.logger.Info("no legacy records to migrate", "total_files", a.TotalFiles)
		return rep, nil
	}

	backup, err := f.Backup(ctx)
	if err != nil {
		return rep, fmt.Errorf("backup before migration: %w", err)
	}
	rep.Backup = backup

	for _, name := range a.FilesToMigrate {
		newName, err := f.migrateFile(name)
		if err != nil {
			rep.Failed[name] = err.Error()
			f.logger.Error("error migrating record", "file", name, "error", err)
			continue
		}
		rep.Migrated[name] = newName
		f.logger.Info("migrated record", "from", name, "to", newName)
	}
	f.invalidate()
	return rep, nil
}

func (f *FileStore) migrateFile(name string) (string, error) {
	raw, err := readRaw(f.path(name))
	if err != nil {
		return "", err
	}
	fp, _ := raw["document_fingerprint"].(map[string]any)
	if fp == nil {
		fp = map[string]any{}
		raw["document_fingerprint"] = fp
	}
	id, _ := fp["document_id"].(string)
	if uuid.Validate(id) != nil {
		id = uuid.NewString()
		fp["document_id"] = id
	}
	fp["version"] = "2.0"
	raw["document_id"] = id

	_, prereg := splitStem(name)
	newName := id + recordExt
	if prereg {
		newName = preregPrefix + newName
	}
	if fsutil.Exists(f.path(newName)) {
		return "", fmt.Errorf("%w: %s already exists", ErrConflict, newName)
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(f.path(newName), b, 0o600); err != nil {
		return "", err
	}
	if err := os.Remove(f.path(name)); err != nil {
		return "", fmt.Errorf("remove old file: %w", err)
	}
	return newName, nil
}

// Backup writes every record file into backups/backup_<timestamp>.tar.xz
// and returns the archive path.
func (f *FileStore) Backup(ctx context.Context) (string, error) {
	names, err := f.recordFiles()
	if err != nil {
		return "", err
	}
	dir := f.path(backupDir)
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", err
	}
	out := filepath.Join(dir, "backup_"+f.now().Format("20060102_150405")+".tar.xz")
	tmp, err := os.CreateTemp(dir, ".backup-*")
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := f.writeArchive(ctx, tmp, names); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", fmt.Errorf("finalize backup: %w", err)
	}
	f.logger.Info("backup created", "path", out, "files", len(names))
	return out, nil
}

func (f *FileStore) writeArchive(ctx context.Context, w io.Writer, names []string) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := os.ReadFile(f.path(name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(b)), ModTime: f.now()}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(b); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return xw.Close()
}

// RestoreBackup lists the file names and contents held in a backup archive.
func RestoreBackup(path string) (map[string][]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	xr, err := xz.NewReader(fh)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	tr := tar.NewReader(xr)
	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = b
	}
}
