// Package storage persists binding records. Four backends implement Store:
// an in-memory map, a directory of JSON files, PostgreSQL and Badger.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/qrseal/qrseal-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound      = errors.New("not found")           // Returned when a record is not found
	ErrConflict      = errors.New("conflict")            // Returned when a pre-registration already exists
	ErrInvalidID     = errors.New("invalid document id") // Returned for ids unsafe to use as keys
	ErrInvalidCursor = errors.New("invalid cursor")      // Returned for cursors not issued by List
)

// Store defines the binding record operations required by the service.
type Store interface {
	// Save writes an active record under its document id, replacing any
	// previous record with that id. A pre-registration for the id is
	// removed.
	Save(ctx context.Context, rec model.BindingRecord) error
	// SavePreRegistration writes a pre-registered record. It fails with
	// ErrConflict when one already exists for the id.
	SavePreRegistration(ctx context.Context, rec model.BindingRecord) error
	// Get looks up the active record first, then the pre-registration,
	// then any legacy record that names id.
	Get(ctx context.Context, id string) (*model.BindingRecord, error)
	// Delete removes both the active and the pre-registered record.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error)
	// CleanupExpired removes records whose expires_at is before now and
	// returns how many were removed.
	CleanupExpired(ctx context.Context, now int64) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID rejects ids that are empty, too long or could escape a
// directory when used as a file name.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func checkRecord(rec model.BindingRecord) error {
	if err := ValidateID(rec.DocumentID); err != nil {
		return err
	}
	if rec.Status == "" {
		return fmt.Errorf("record %s has no status", rec.DocumentID)
	}
	return nil
}

// cursorData is the position encoded in a pagination cursor.
type cursorData struct {
	CreatedAt  int64  `json:"c"`
	DocumentID string `json:"d"`
}

func encodeCursor(createdAt int64, id string) string {
	b, _ := json.Marshal(cursorData{CreatedAt: createdAt, DocumentID: id})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (*cursorData, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursorData
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}

// after reports whether rec sorts after the cursor position in
// newest-first, id-ascending order.
func (c *cursorData) after(rec *model.BindingRecord) bool {
	if rec.CreatedAt != c.CreatedAt {
		return rec.CreatedAt < c.CreatedAt
	}
	return rec.DocumentID > c.DocumentID
}

// paginate sorts recs newest first and cuts the page q asks for. Backends
// without server-side ordering share it.
func paginate(recs []model.BindingRecord, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	filtered := make([]model.BindingRecord, 0, len(recs))
	for _, r := range recs {
		if q.Status == "" || r.Status == q.Status {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt == filtered[j].CreatedAt {
			return filtered[i].DocumentID < filtered[j].DocumentID
		}
		return filtered[i].CreatedAt > filtered[j].CreatedAt
	})

	start := 0
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		start = len(filtered)
		for i := range filtered {
			if c.after(&filtered[i]) {
				start = i
				break
			}
		}
	}

	limit := q.NormalizedLimit()
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	res := &model.ListBindingsResult{Records: filtered[start:end]}
	if end < len(filtered) && end > start {
		last := filtered[end-1]
		res.NextCursor = encodeCursor(last.CreatedAt, last.DocumentID)
	}
	return res, nil
}
