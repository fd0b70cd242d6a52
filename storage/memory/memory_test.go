package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/brokerdesk/storage"
)

func env(payload string) *storage.Envelope {
	return &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte(payload)}
}

func TestMemoryRepository(t *testing.T) {
	r := NewRepository()

	t.Run("PutGetIsolated", func(t *testing.T) {
		e := env("one")
		require.NoError(t, r.Put("ns", "KEY", "a", e))
		e.Ciphertext[0] = 'X'

		got, err := r.Get("ns", "KEY", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext, "stored envelope must not alias caller memory")
	})

	t.Run("MissingNamespace", func(t *testing.T) {
		_, err := r.Get("other", "KEY", "a")
		assert.ErrorIs(t, err, storage.ErrNamespaceNotFound)
	})

	t.Run("MissingRecord", func(t *testing.T) {
		_, err := r.Get("ns", "KEY", "b")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, r.Put("ns", "KEY", "b", env("two")))
		ids, err := r.List("ns", "KEY")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := r.Batch("ns", func(tx storage.BatchTx) error {
			require.NoError(t, tx.Delete("KEY", "a"))
			require.NoError(t, tx.Put("KEY", "c", env("three")))
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = r.Get("ns", "KEY", "a")
		assert.NoError(t, err)
		_, err = r.Get("ns", "KEY", "c")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchRollbackNewNamespace", func(t *testing.T) {
		err := r.Batch("fresh", func(tx storage.BatchTx) error {
			_ = tx.Put("KEY", "x", env("x"))
			return errors.New("abort")
		})
		require.Error(t, err)
		_, err = r.Get("fresh", "KEY", "x")
		assert.ErrorIs(t, err, storage.ErrNamespaceNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.ErrorIs(t, r.Delete("ns", "KEY", "never"), storage.ErrNotFound)
	})
}
