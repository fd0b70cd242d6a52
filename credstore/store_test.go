package credstore

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/storage"
	bboltstorage "github.com/jmcleod/brokerdesk/storage/bbolt"
	"github.com/jmcleod/brokerdesk/storage/memory"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	k, err := util.NewAESKey()
	require.NoError(t, err)
	return k
}

func testAdmin() AdminProfile {
	return AdminProfile{
		ID:          "1",
		Name:        "Ops Admin",
		Email:       "a@b.com",
		Role:        "superadmin",
		Permissions: []string{"withdrawals:approve", "kyc:review"},
	}
}

func openStore(t *testing.T, repo storage.Repository, key []byte) *Store {
	t.Helper()
	s, err := Open(repo, key)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenRejectsShortWrappingKey(t *testing.T) {
	_, err := Open(memory.NewRepository(), []byte("short"))
	assert.Error(t, err)
}

func TestStoreStartsEmpty(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	assert.True(t, s.Snapshot().Empty())
	assert.Empty(t, s.PendingChallenge())
	assert.Nil(t, s.Admin())
}

func TestAuthenticateAndReload(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	now := time.UnixMilli(1_700_000_000_000)

	s := openStore(t, repo, key)
	require.NoError(t, s.SetPendingChallenge("TMP1"))
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), now))

	snap := s.Snapshot()
	assert.Equal(t, "AT1", snap.AccessToken)
	assert.Equal(t, "RT1", snap.RefreshToken)
	require.NotNil(t, snap.Admin)
	assert.Equal(t, "1", snap.Admin.ID)
	assert.True(t, snap.LoginAt.Equal(now))
	assert.True(t, snap.LastActivity.Equal(now))
	assert.Empty(t, s.PendingChallenge(), "authenticate clears the 2FA challenge")

	reloaded := openStore(t, repo, key)
	assert.Equal(t, snap, reloaded.Snapshot())
	assert.Empty(t, reloaded.PendingChallenge())
}

func TestAuthenticateRequiresAccessToken(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	err := s.Authenticate("", "RT", testAdmin(), time.Now())
	assert.ErrorIs(t, err, ErrMissingAccessToken)
	assert.True(t, s.Snapshot().Empty())
}

func TestAdminCopyIsIsolated(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	require.NoError(t, s.Authenticate("AT", "RT", testAdmin(), time.Now()))

	a := s.Admin()
	a.Permissions[0] = "tampered"
	assert.True(t, s.Admin().HasPermission("withdrawals:approve"))
	assert.False(t, s.Admin().HasPermission("tampered"))
}

func TestSetAdminRequiresToken(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	assert.ErrorIs(t, s.SetAdmin(testAdmin()), ErrNotAuthenticated)

	require.NoError(t, s.Authenticate("AT", "RT", testAdmin(), time.Now()))
	updated := testAdmin()
	updated.Name = "Renamed"
	require.NoError(t, s.SetAdmin(updated))
	assert.Equal(t, "Renamed", s.Admin().Name)
}

func TestReplaceAccessTokenGuard(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), time.Now()))

	ok, err := s.ReplaceAccessToken("RT1", "AT2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "AT2", s.AccessToken())

	ok, err = s.ReplaceAccessToken("RT-stale", "AT3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "AT2", s.AccessToken())

	require.NoError(t, s.Clear())
	ok, err = s.ReplaceAccessToken("RT1", "AT4")
	require.NoError(t, err)
	assert.False(t, ok, "a refresh settling after clear must not resurrect a token")
	assert.Empty(t, s.AccessToken())
}

func TestClearIfRefreshToken(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), time.Now()))

	cleared, err := s.ClearIfRefreshToken("RT-old")
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, "AT1", s.AccessToken())

	cleared, err = s.ClearIfRefreshToken("RT1")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.True(t, s.Snapshot().Empty())
}

func TestPendingChallengeDurableFallback(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	s := openStore(t, repo, key)
	require.NoError(t, s.SetPendingChallenge("TMP1"))

	stored, err := s.StoredPendingChallenge()
	require.NoError(t, err)
	assert.Equal(t, "TMP1", stored)

	reloaded := openStore(t, repo, key)
	assert.Equal(t, "TMP1", reloaded.PendingChallenge())
	assert.False(t, reloaded.Snapshot().Admin != nil)

	require.NoError(t, reloaded.ClearPendingChallenge())
	stored, err = reloaded.StoredPendingChallenge()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPendingChallengeReplacesCredentials(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	s := openStore(t, repo, key)
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), time.Now()))

	require.NoError(t, s.SetPendingChallenge("TMP1"))
	assert.True(t, s.Snapshot().Empty())
	assert.Empty(t, s.AccessToken())
	assert.Equal(t, "TMP1", s.PendingChallenge())

	reloaded := openStore(t, repo, key)
	assert.True(t, reloaded.Snapshot().Empty(), "held credentials are gone from the repository too")
	assert.Equal(t, "TMP1", reloaded.PendingChallenge())

	ids, err := repo.List(credNamespace, credRecordType)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestTouch(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	s := openStore(t, repo, key)
	at := time.UnixMilli(1_700_000_123_456)
	require.NoError(t, s.Touch(at))
	assert.True(t, s.LastActivity().Equal(at))

	reloaded := openStore(t, repo, key)
	assert.True(t, reloaded.LastActivity().Equal(at))
}

func TestClearRemovesEverything(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	s := openStore(t, repo, key)
	require.NoError(t, s.Authenticate("AT", "RT", testAdmin(), time.Now()))
	require.NoError(t, s.SetPendingChallenge("TMP"))

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear(), "clear is idempotent")
	assert.True(t, s.Snapshot().Empty())
	assert.Empty(t, s.PendingChallenge())

	ids, err := repo.List(credNamespace, credRecordType)
	require.NoError(t, err)
	assert.Empty(t, ids)

	reloaded := openStore(t, repo, key)
	assert.True(t, reloaded.Snapshot().Empty())
}

// failingRepo fails every batch after it is armed.
type failingRepo struct {
	*memory.Repository
	armed bool
}

func (r *failingRepo) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	if r.armed {
		return errors.New("disk full")
	}
	return r.Repository.Batch(namespace, fn)
}

func TestWriteFailureLeavesMirrorUntouched(t *testing.T) {
	repo := &failingRepo{Repository: memory.NewRepository()}
	s := openStore(t, repo, testKey(t))
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), time.Now()))

	repo.armed = true
	assert.Error(t, s.SetAccessToken("AT2"))
	assert.Equal(t, "AT1", s.AccessToken())

	assert.Error(t, s.Clear())
	assert.True(t, s.Snapshot().Empty(), "clear empties memory even when persistence fails")
}

func TestHydrateDropsProfileWithoutToken(t *testing.T) {
	repo := memory.NewRepository()
	key := testKey(t)
	s := openStore(t, repo, key)
	require.NoError(t, s.Authenticate("AT", "RT", testAdmin(), time.Now()))
	require.NoError(t, repo.Delete(credNamespace, credRecordType, keyAccessToken))

	reloaded := openStore(t, repo, key)
	assert.True(t, reloaded.Snapshot().Empty())
}

func TestWrongWrappingKeyStartsEmpty(t *testing.T) {
	repo := memory.NewRepository()
	s := openStore(t, repo, testKey(t))
	require.NoError(t, s.Authenticate("AT", "RT", testAdmin(), time.Now()))

	other := openStore(t, repo, testKey(t))
	assert.True(t, other.Snapshot().Empty())
}

func TestBBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	key := testKey(t)

	repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	s, err := Open(repo, key)
	require.NoError(t, err)
	require.NoError(t, s.Authenticate("AT1", "RT1", testAdmin(), time.Now()))
	s.Close()
	require.NoError(t, repo.Close())

	repo, err = bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer repo.Close()
	s = openStore(t, repo, key)
	assert.Equal(t, "AT1", s.AccessToken())
	assert.Equal(t, "RT1", s.RefreshToken())
}

func TestConcurrentReadersNeverSeePartialState(t *testing.T) {
	s := openStore(t, memory.NewRepository(), testKey(t))
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.Authenticate("AT", "RT", testAdmin(), time.Now())
			_ = s.Clear()
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.Admin != nil && snap.AccessToken == "" {
					t.Error("observed admin without access token")
					return
				}
				if snap.AccessToken != "" && snap.Admin == nil {
					t.Error("observed token without admin")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDeriveWrappingKey(t *testing.T) {
	k1, err := DeriveWrappingKey("/home/ops/.brokerdesk")
	require.NoError(t, err)
	assert.Len(t, k1, util.AESKeySize)
	k2, err := DeriveWrappingKey("/home/ops/.brokerdesk")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	k3, err := DeriveWrappingKey("/tmp/other")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
