package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/model"
)

func record(id string, status model.BindingStatus, created, expires int64) model.BindingRecord {
	return model.BindingRecord{
		DocumentID: id,
		DocumentFingerprint: &fingerprint.Fingerprint{
			Version:         fingerprint.Version,
			DocumentID:      id,
			FingerprintHash: "hash-" + id,
		},
		QRData:          "payload " + id,
		BindingToken:    "token-" + id,
		Status:          status,
		CreatedAt:       created,
		ExpiresAt:       expires,
		FingerprintHash: "hash-" + id,
	}
}

// runStoreSuite exercises the behavior every backend shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		rec := record("doc-a", model.StatusActive, 100, 1000)
		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Get(ctx, "doc-a")
		require.NoError(t, err)
		assert.Equal(t, rec.QRData, got.QRData)
		assert.Equal(t, rec.BindingToken, got.BindingToken)
		assert.Equal(t, "hash-doc-a", got.DocumentFingerprint.FingerprintHash)

		rec.QRData = "replaced"
		require.NoError(t, s.Save(ctx, rec))
		got, err = s.Get(ctx, "doc-a")
		require.NoError(t, err)
		assert.Equal(t, "replaced", got.QRData)
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)
	})

	t.Run("invalid id", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, record("../escape", model.StatusActive, 1, 2))
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("pre-registration", func(t *testing.T) {
		s := newStore(t)
		pre := record("doc-p", model.StatusPreRegistered, 100, 1000)
		require.NoError(t, s.SavePreRegistration(ctx, pre))
		assert.ErrorIs(t, s.SavePreRegistration(ctx, pre), ErrConflict)

		got, err := s.Get(ctx, "doc-p")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPreRegistered, got.Status)

		active := record("doc-p", model.StatusActive, 200, 1000)
		require.NoError(t, s.Save(ctx, active))
		got, err = s.Get(ctx, "doc-p")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)

		all, err := s.List(ctx, model.ListBindingsQuery{})
		require.NoError(t, err)
		require.Len(t, all.Records, 1, "activation replaces the pre-registration")

		require.NoError(t, s.Delete(ctx, "doc-p"))
		_, err = s.Get(ctx, "doc-p")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Save(ctx, record(fmt.Sprintf("doc-%d", i), model.StatusActive, int64(100+i), 1000)))
		}
		require.NoError(t, s.SavePreRegistration(ctx, record("doc-x", model.StatusPreRegistered, 50, 1000)))

		page, err := s.List(ctx, model.ListBindingsQuery{Status: model.StatusActive, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Records, 2)
		assert.Equal(t, "doc-4", page.Records[0].DocumentID)
		assert.Equal(t, "doc-3", page.Records[1].DocumentID)
		require.NotEmpty(t, page.NextCursor)

		page, err = s.List(ctx, model.ListBindingsQuery{Status: model.StatusActive, Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, page.Records, 2)
		assert.Equal(t, "doc-2", page.Records[0].DocumentID)

		page, err = s.List(ctx, model.ListBindingsQuery{Status: model.StatusActive, Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "doc-0", page.Records[0].DocumentID)
		assert.Empty(t, page.NextCursor)

		all, err := s.List(ctx, model.ListBindingsQuery{})
		require.NoError(t, err)
		assert.Len(t, all.Records, 6)

		_, err = s.List(ctx, model.ListBindingsQuery{Cursor: "%%%"})
		assert.Error(t, err)
	})

	t.Run("cleanup expired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, record("old", model.StatusActive, 1, 500)))
		require.NoError(t, s.Save(ctx, record("edge", model.StatusActive, 1, 1000)))
		require.NoError(t, s.SavePreRegistration(ctx, record("old-pre", model.StatusPreRegistered, 1, 10)))
		require.NoError(t, s.Save(ctx, record("fresh", model.StatusActive, 1, 5000)))

		n, err := s.CleanupExpired(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "old-pre")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "edge")
		assert.NoError(t, err)

		n, err = s.CleanupExpired(ctx, 1000)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFile(t.TempDir(), nil)
		require.NoError(t, err)
		return s
	})
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewBadger("", nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"0b9a7c52-5f1e-4c1b-9d51-3c0c4f4f1e2a", "abc", "a_b.c-d"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "../x", "a/b", ".hidden", "prereg x"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record("doc", model.StatusActive, 1, 2)))
	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	got.QRData = "mutated"
	again, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "payload doc", again.QRData)
}
