package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/brokerdesk/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	plain := []byte("access-token-value")
	aad := []byte("credstore:access_token")

	env, err := SealRecord(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)
	assert.Len(t, env.Nonce, util.GCMNonceSize)

	decrypted, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("credstore:refresh_token"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		_, err := OpenRecord(wrongKey, env, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		_, err := OpenRecord(key, &badEnv, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "raw"
		_, err := OpenRecord(key, &badEnv, aad)
		assert.Error(t, err)
	})

	t.Run("NilEnvelope", func(t *testing.T) {
		_, err := OpenRecord(key, nil, aad)
		assert.Error(t, err)
	})
}
