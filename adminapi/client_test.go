package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/users", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"total": 1, "users": []map[string]string{{"id": "u1"}}})
	}))
	defer server.Close()

	var out struct {
		Total int `json:"total"`
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	err := New(server.URL+"/", nil).Get(context.Background(), "/admin/users", url.Values{"page": {"2"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Users, 1)
	assert.Equal(t, "u1", out.Users[0].ID)
}

func TestPost_SendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "approve", body["action"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := New(server.URL, nil).Post(context.Background(), "/admin/withdrawals/w1", map[string]string{"action": "approve"}, &struct{}{})
	require.NoError(t, err)
}

func TestDo_RawMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"a":1}`))
	}))
	defer server.Close()

	var raw json.RawMessage
	require.NoError(t, New(server.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, &raw))
	assert.JSONEq(t, `{"a":1}`, string(raw))
}

func TestDo_ErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"error field", `{"error":"forbidden"}`, "forbidden"},
		{"message field", `{"message":"Not allowed"}`, "Not allowed"},
		{"no body", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := New(server.URL, nil).Get(context.Background(), "/admin/users", nil, nil)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusForbidden, apiErr.Status)
			assert.Equal(t, tt.want, apiErr.Message)
		})
	}
}

func TestDo_ConnectionError(t *testing.T) {
	err := New("http://127.0.0.1:1", nil).Get(context.Background(), "/admin/users", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request to http://127.0.0.1:1 failed")
}

func TestDo_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(server.URL, nil).Get(ctx, "/admin/users", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "request canceled", err.Error())
}

func TestDo_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	var out map[string]any
	err := New(server.URL, nil).Get(context.Background(), "/admin/users", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid response from backend")
}
