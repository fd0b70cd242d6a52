package sandbox

import (
	"net/http"
	"slices"
	"strconv"
	"time"
)

const (
	PermUsersRead       = "users:read"
	PermWithdrawalsRead = "withdrawals:read"
	roleSuperAdmin      = "super_admin"
	defaultPageLimit    = 20
	maxPageLimit        = 100
)

type userFixture struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	KYCStatus string    `json:"kycStatus"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"createdAt"`
}

type withdrawalFixture struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

type pageResponse[T any] struct {
	Items      []T            `json:"items"`
	Pagination PaginationMeta `json:"pagination"`
}

var fixtureEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

var userFixtures = []userFixture{
	{"usr_1001", "ana@example.com", "approved", "PT", fixtureEpoch},
	{"usr_1002", "ben@example.com", "pending", "DE", fixtureEpoch.Add(2 * time.Hour)},
	{"usr_1003", "chen@example.com", "rejected", "SG", fixtureEpoch.Add(26 * time.Hour)},
	{"usr_1004", "dara@example.com", "approved", "IE", fixtureEpoch.Add(50 * time.Hour)},
	{"usr_1005", "eli@example.com", "pending", "BR", fixtureEpoch.Add(73 * time.Hour)},
}

var withdrawalFixtures = []withdrawalFixture{
	{"wd_501", "usr_1001", "BTC", "0.0500", "pending", fixtureEpoch.Add(3 * time.Hour)},
	{"wd_502", "usr_1004", "ETH", "1.2500", "approved", fixtureEpoch.Add(52 * time.Hour)},
	{"wd_503", "usr_1001", "USDT", "2500.00", "pending", fixtureEpoch.Add(80 * time.Hour)},
	{"wd_504", "usr_1002", "BTC", "0.0100", "rejected", fixtureEpoch.Add(81 * time.Hour)},
}

// ListUsers returns a page of exchange users.
func (s *Server) ListUsers(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, PermUsersRead) {
		return
	}
	items := userFixtures
	if kyc := r.URL.Query().Get("kycStatus"); kyc != "" {
		items = filter(items, func(u userFixture) bool { return u.KYCStatus == kyc })
	}
	writePage(w, r, items)
}

// ListWithdrawals returns a page of withdrawal requests.
func (s *Server) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, PermWithdrawalsRead) {
		return
	}
	items := withdrawalFixtures
	if status := r.URL.Query().Get("status"); status != "" {
		items = filter(items, func(wd withdrawalFixture) bool { return wd.Status == status })
	}
	writePage(w, r, items)
}

func requirePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	ac := authFromContext(r.Context())
	if ac.account.Role == roleSuperAdmin || slices.Contains(ac.account.Permissions, perm) {
		return true
	}
	writeError(w, http.StatusForbidden, "Insufficient permissions")
	return false
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

func writePage[T any](w http.ResponseWriter, r *http.Request, items []T) {
	limit, offset := parsePagination(r)
	start := min(offset, len(items))
	end := min(start+limit, len(items))
	writeJSON(w, http.StatusOK, pageResponse[T]{
		Items: items[start:end],
		Pagination: PaginationMeta{
			TotalCount: len(items),
			Limit:      limit,
			Offset:     offset,
			HasMore:    end < len(items),
		},
	})
}

// parsePagination reads "limit" and "offset". Missing or invalid values fall
// back to defaults; limit is capped at maxPageLimit.
func parsePagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}
