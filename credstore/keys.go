package credstore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os/user"

	"golang.org/x/crypto/hkdf"

	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/storage"
)

const wrappingKeyInfo = "brokerdesk:credstore_wrapping_key:v1"

// DeriveWrappingKey derives a per-user wrapping key from the data directory
// path and the OS account name. It binds the store file to its location and
// owner; it is not a secret. Deployments that need a real secret set an
// explicit key instead.
func DeriveWrappingKey(dataDir string) ([]byte, error) {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	key := make([]byte, util.AESKeySize)
	r := hkdf.New(sha256.New, []byte(dataDir), []byte(name), []byte(wrappingKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving wrapping key: %w", err)
	}
	return key, nil
}

// loadOrCreateStoreKey loads the record sealing key from storage, unsealing
// it with the wrapping key. If no key exists, or the wrapping key changed so
// the stored one cannot be opened, a new random key is generated, sealed and
// persisted. Records sealed under the old key then read as absent.
func loadOrCreateStoreKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(keyWrappingAAD)

	env, err := repo.Get(keyNamespace, keyRecordType, keyRecordID)
	if err == nil && env != nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
		// Wrong wrapping key or corrupt; fall through to regenerate.
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, fmt.Errorf("loading store key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new store key: %w", err)
	}
	if err := repo.Put(keyNamespace, keyRecordType, keyRecordID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting store key: %w", err)
	}
	return key, nil
}
