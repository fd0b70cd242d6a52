// Package credstore holds the operator's tokens, profile and activity
// timestamps, mirrored synchronously to a sealed storage.Repository so a
// restarted client reconstructs the same session.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/storage"
)

const (
	credNamespace  = "credentials"
	credRecordType = "CRED"

	keyNamespace   = "__keys"
	keyRecordType  = "STORE_KEY"
	keyRecordID    = "current"
	keyWrappingAAD = "brokerdesk:credstore_key:v1"

	recordAADPrefix = "credstore:"

	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyAdmin        = "admin"
	keyLoginAt      = "login_at"
	keyLastActivity = "last_activity"
	keyPending2FA   = "pending_2fa"
)

var allKeys = []string{keyAccessToken, keyRefreshToken, keyAdmin, keyLoginAt, keyLastActivity, keyPending2FA}

var (
	// ErrMissingAccessToken is returned when a write would leave a profile without a bearer token.
	ErrMissingAccessToken = errors.New("credstore: access token required")
	// ErrNotAuthenticated is returned when a profile update arrives with no session held.
	ErrNotAuthenticated = errors.New("credstore: no authenticated session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("credstore: closed")
)

// Store is the single owner of persisted credential state. Every mutation is
// written to the repository in one batch before the in-memory mirror changes,
// and the mirror lock is held across both, so readers observe either the old
// or the new state and never a mix.
type Store struct {
	repo storage.Repository
	key  []byte

	mu           sync.RWMutex
	closed       bool
	access       *memguard.Enclave
	refresh      *memguard.Enclave
	pending      *memguard.Enclave
	admin        *AdminProfile
	loginAt      time.Time
	lastActivity time.Time
}

// Open loads (or creates) the record sealing key using wrappingKey and
// hydrates the store from repo. wrappingKey must be 32 bytes and is never
// persisted.
func Open(repo storage.Repository, wrappingKey []byte) (*Store, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateStoreKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &Store{repo: repo, key: key}
	if err := s.hydrate(); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return s, nil
}

// Close wipes the sealing key. The repository is owned by the caller.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	util.WipeBytes(s.key)
	s.resetLocked()
}

func (s *Store) hydrate() error {
	values := make(map[string][]byte, len(allKeys))
	err := s.repo.View(credNamespace, func(tx storage.ReadTx) error {
		for _, k := range allKeys {
			env, err := tx.Get(credRecordType, k)
			if err != nil {
				if isMissing(err) {
					continue
				}
				return err
			}
			data, err := storage.OpenRecord(s.key, env, recordAAD(k))
			if err != nil {
				// Sealed under a previous key; treat as absent.
				continue
			}
			values[k] = data
		}
		return nil
	})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("loading credentials: %w", err)
	}
	defer func() {
		for _, v := range values {
			util.WipeBytes(v)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = newEnclave(values[keyAccessToken])
	s.refresh = newEnclave(values[keyRefreshToken])
	s.pending = newEnclave(values[keyPending2FA])
	s.loginAt = decodeMillis(values[keyLoginAt])
	s.lastActivity = decodeMillis(values[keyLastActivity])
	if raw, ok := values[keyAdmin]; ok {
		var admin AdminProfile
		if err := json.Unmarshal(raw, &admin); err == nil {
			s.admin = &admin
		}
	}

	// A profile without a bearer token is not a session.
	if s.admin != nil && s.access == nil {
		return s.clearLocked()
	}
	return nil
}

// AccessToken returns the current bearer token, or "" when none is held.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readEnclave(s.access)
}

// RefreshToken returns the current refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readEnclave(s.refresh)
}

// Admin returns a copy of the stored profile, or nil.
func (s *Store) Admin() *AdminProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin.clone()
}

// LoginAt returns when the current session was established.
func (s *Store) LoginAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loginAt
}

// LastActivity returns the last recorded activity, zero when absent.
func (s *Store) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Snapshot returns a consistent copy of all credential fields.
func (s *Store) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{
		AccessToken:  readEnclave(s.access),
		RefreshToken: readEnclave(s.refresh),
		Admin:        s.admin.clone(),
		LoginAt:      s.loginAt,
		LastActivity: s.lastActivity,
	}
}

// Authenticate replaces the whole credential set and drops any pending 2FA
// challenge. LoginAt and LastActivity are both set to now.
func (s *Store) Authenticate(accessToken, refreshToken string, admin AdminProfile, now time.Time) error {
	if accessToken == "" {
		return ErrMissingAccessToken
	}
	adminJSON, err := json.Marshal(admin)
	if err != nil {
		return fmt.Errorf("encoding admin profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err = s.batch(func(w *recordWriter) {
		w.put(keyAccessToken, []byte(accessToken))
		if refreshToken != "" {
			w.put(keyRefreshToken, []byte(refreshToken))
		} else {
			w.del(keyRefreshToken)
		}
		w.put(keyAdmin, adminJSON)
		w.put(keyLoginAt, encodeMillis(now))
		w.put(keyLastActivity, encodeMillis(now))
		w.del(keyPending2FA)
	})
	if err != nil {
		return err
	}

	s.access = newEnclave([]byte(accessToken))
	s.refresh = newEnclave([]byte(refreshToken))
	s.pending = nil
	s.admin = admin.clone()
	s.loginAt = now
	s.lastActivity = now
	return nil
}

// SetAccessToken overwrites the bearer token.
func (s *Store) SetAccessToken(token string) error {
	if token == "" {
		return ErrMissingAccessToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAccessLocked(token)
}

// ReplaceAccessToken stores token only if expectedRefresh is still the held
// refresh token. It reports false, without writing, when the session was
// cleared or replaced after the refresh that produced token began.
func (s *Store) ReplaceAccessToken(expectedRefresh, token string) (bool, error) {
	if token == "" {
		return false, ErrMissingAccessToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if expectedRefresh == "" || readEnclave(s.refresh) != expectedRefresh {
		return false, nil
	}
	if err := s.setAccessLocked(token); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) setAccessLocked(token string) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.batch(func(w *recordWriter) { w.put(keyAccessToken, []byte(token)) }); err != nil {
		return err
	}
	s.access = newEnclave([]byte(token))
	return nil
}

// SetAdmin replaces the stored profile. It fails when no bearer token is held.
func (s *Store) SetAdmin(admin AdminProfile) error {
	adminJSON, err := json.Marshal(admin)
	if err != nil {
		return fmt.Errorf("encoding admin profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.access == nil {
		return ErrNotAuthenticated
	}
	if err := s.batch(func(w *recordWriter) { w.put(keyAdmin, adminJSON) }); err != nil {
		return err
	}
	s.admin = admin.clone()
	return nil
}

// Touch sets the last-activity timestamp.
func (s *Store) Touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.batch(func(w *recordWriter) { w.put(keyLastActivity, encodeMillis(now)) }); err != nil {
		return err
	}
	s.lastActivity = now
	return nil
}

// PendingChallenge returns the in-memory 2FA challenge token, or "".
func (s *Store) PendingChallenge() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readEnclave(s.pending)
}

// StoredPendingChallenge reads the challenge token straight from the
// repository, bypassing the in-memory mirror.
func (s *Store) StoredPendingChallenge() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	env, err := s.repo.Get(credNamespace, credRecordType, keyPending2FA)
	if err != nil {
		if isMissing(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading pending challenge: %w", err)
	}
	data, err := storage.OpenRecord(s.key, env, recordAAD(keyPending2FA))
	if err != nil {
		return "", nil
	}
	defer util.WipeBytes(data)
	return string(data), nil
}

// SetPendingChallenge persists a 2FA challenge token. A pending challenge
// replaces any held credentials in the same batch, so the store is never
// authenticated and pending at once.
func (s *Store) SetPendingChallenge(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := s.batch(func(w *recordWriter) {
		for _, k := range allKeys {
			if k != keyPending2FA {
				w.del(k)
			}
		}
		w.put(keyPending2FA, []byte(token))
	})
	if err != nil {
		return err
	}
	s.resetLocked()
	s.pending = newEnclave([]byte(token))
	return nil
}

// ClearPendingChallenge removes the 2FA challenge token.
func (s *Store) ClearPendingChallenge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.batch(func(w *recordWriter) { w.del(keyPending2FA) }); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

// Clear removes every credential key in a single batch. The in-memory mirror
// is emptied even when the repository write fails, so the running client is
// logged out regardless; the error is still reported.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.clearLocked()
}

// ClearIfRefreshToken clears the store only while expected is still the held
// refresh token. It reports whether anything was cleared.
func (s *Store) ClearIfRefreshToken(expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || expected == "" || readEnclave(s.refresh) != expected {
		return false, nil
	}
	return true, s.clearLocked()
}

func (s *Store) clearLocked() error {
	err := s.batch(func(w *recordWriter) {
		for _, k := range allKeys {
			w.del(k)
		}
	})
	s.resetLocked()
	return err
}

func (s *Store) resetLocked() {
	s.access = nil
	s.refresh = nil
	s.pending = nil
	s.admin = nil
	s.loginAt = time.Time{}
	s.lastActivity = time.Time{}
}

// recordWriter collects puts and deletes so sealing errors surface before
// the transaction commits.
type recordWriter struct {
	puts map[string][]byte
	dels []string
}

func (w *recordWriter) put(k string, v []byte) { w.puts[k] = v }
func (w *recordWriter) del(k string) { w.dels = append(w.dels, k) }

func (s *Store) batch(fn func(w *recordWriter)) error {
	w := &recordWriter{puts: make(map[string][]byte)}
	fn(w)

	sealed := make(map[string]*storage.Envelope, len(w.puts))
	for k, v := range w.puts {
		env, err := storage.SealRecord(s.key, v, recordAAD(k))
		if err != nil {
			return fmt.Errorf("sealing %s: %w", k, err)
		}
		sealed[k] = env
	}

	err := s.repo.Batch(credNamespace, func(tx storage.BatchTx) error {
		for _, k := range w.dels {
			if err := tx.Delete(credRecordType, k); err != nil && !isMissing(err) {
				return err
			}
		}
		for k, env := range sealed {
			if err := tx.Put(credRecordType, k, env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}
	return nil
}

func recordAAD(k string) []byte {
	return []byte(recordAADPrefix + k)
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}

func encodeMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

func decodeMillis(b []byte) time.Time {
	if len(b) == 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// newEnclave seals b into a memguard enclave. b is wiped by memguard.
func newEnclave(b []byte) *memguard.Enclave {
	if len(b) == 0 {
		return nil
	}
	return memguard.NewEnclave(util.CopyBytes(b))
}

func readEnclave(e *memguard.Enclave) string {
	if e == nil {
		return ""
	}
	buf, err := e.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}
