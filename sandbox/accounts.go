package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/internal/uuid"
	"github.com/jmcleod/brokerdesk/storage"
)

const (
	accountNamespace  = "__accounts"
	accountRecordType = "ADMIN"
	accountAADPrefix  = "account:"
	accountKeyInfo    = "brokerdesk:sandbox_accounts:v1"
)

var errAccountNotFound = errors.New("account not found")

// deriveAccountKey expands the token signing secret into the key that seals
// account records, so the HMAC key never doubles as an AES key.
func deriveAccountKey(secret []byte) ([]byte, error) {
	key := make([]byte, util.AESKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(accountKeyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// ErrAdminExists is returned by AddAdmin for an email that is already seeded.
var ErrAdminExists = errors.New("admin already exists")

// Admin describes an operator seeded into the sandbox.
type Admin struct {
	Name        string
	Email       string
	Password    string
	Role        string
	Department  string
	Permissions []string
	// TOTPSecret enables 2FA for the admin when set (base32, no padding).
	TOTPSecret string
}

type accountRecord struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	Role              string     `json:"role"`
	Department        string     `json:"department,omitempty"`
	Permissions       []string   `json:"permissions,omitempty"`
	PasswordHash      []byte     `json:"password_hash"`
	TOTPEnabled       bool       `json:"totp_enabled,omitempty"`
	TOTPSecret        string     `json:"totp_secret,omitempty"`
	PendingTOTPSecret string     `json:"pending_totp_secret,omitempty"`
	PendingTOTPExpiry time.Time  `json:"pending_totp_expiry,omitempty"`
	LastTOTPStep      int64      `json:"last_totp_step,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// adminView is the profile shape sent to clients.
type adminView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Role             string     `json:"role"`
	Permissions      []string   `json:"permissions"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
	Department       string     `json:"department,omitempty"`
}

func (a *accountRecord) view() adminView {
	perms := a.Permissions
	if perms == nil {
		perms = []string{}
	}
	return adminView{
		ID:               a.ID,
		Name:             a.Name,
		Email:            a.Email,
		Role:             a.Role,
		Permissions:      perms,
		TwoFactorEnabled: a.TOTPEnabled,
		LastLoginAt:      a.LastLoginAt,
		Department:       a.Department,
	}
}

// AddAdmin seeds an operator. The password is stored as a bcrypt hash.
func (s *Server) AddAdmin(admin Admin) (string, error) {
	email := util.NormalizeEmail(admin.Email)
	if email == "" || admin.Password == "" {
		return "", fmt.Errorf("email and password are required")
	}
	if admin.TOTPSecret != "" {
		if _, err := TOTPCode(admin.TOTPSecret, s.now()); err != nil {
			return "", fmt.Errorf("invalid TOTP secret: %w", err)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	role := admin.Role
	if role == "" {
		role = "admin"
	}
	record := accountRecord{
		ID:           uuid.New(),
		Name:         admin.Name,
		Email:        email,
		Role:         role,
		Department:   admin.Department,
		Permissions:  admin.Permissions,
		PasswordHash: hash,
		TOTPEnabled:  admin.TOTPSecret != "",
		TOTPSecret:   admin.TOTPSecret,
		CreatedAt:    s.now().UTC(),
	}

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	if _, err := s.loadAccount(email); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAdminExists, email)
	} else if !errors.Is(err, errAccountNotFound) {
		return "", err
	}
	if err := s.saveAccount(&record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// checkPassword loads the account for email and verifies password. Unknown
// accounts still pay for one bcrypt comparison.
func (s *Server) checkPassword(email, password string) (*accountRecord, bool) {
	s.accountsMu.RLock()
	record, err := s.loadAccount(email)
	s.accountsMu.RUnlock()
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)) != nil {
		return nil, false
	}
	return record, true
}

func (s *Server) account(email string) (*accountRecord, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	return s.loadAccount(email)
}

// updateAccount applies fn to the stored record under the write lock.
func (s *Server) updateAccount(email string, fn func(*accountRecord) error) (*accountRecord, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	record, err := s.loadAccount(email)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.saveAccount(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Server) saveAccount(record *accountRecord) error {
	id := accountLookupID(record.Email)
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	env, err := storage.SealRecord(s.recordKey, data, []byte(accountAADPrefix+id))
	if err != nil {
		return fmt.Errorf("sealing account: %w", err)
	}
	return s.repo.Put(accountNamespace, accountRecordType, id, env)
}

func (s *Server) loadAccount(email string) (*accountRecord, error) {
	id := accountLookupID(util.NormalizeEmail(email))
	env, err := s.repo.Get(accountNamespace, accountRecordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
			return nil, errAccountNotFound
		}
		return nil, err
	}
	if env == nil {
		return nil, errAccountNotFound
	}
	data, err := storage.OpenRecord(s.recordKey, env, []byte(accountAADPrefix+id))
	if err != nil {
		return nil, fmt.Errorf("opening account: %w", err)
	}
	var record accountRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// accountLookupID keys account records and rate-limit state so neither holds
// the raw address.
func accountLookupID(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
