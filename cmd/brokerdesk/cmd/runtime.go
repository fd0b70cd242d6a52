package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/brokerdesk/adminapi"
	"github.com/jmcleod/brokerdesk/credstore"
	"github.com/jmcleod/brokerdesk/internal/config"
	"github.com/jmcleod/brokerdesk/internal/logger"
	"github.com/jmcleod/brokerdesk/notify"
	"github.com/jmcleod/brokerdesk/session"
	bboltstore "github.com/jmcleod/brokerdesk/storage/bbolt"
	"github.com/jmcleod/brokerdesk/transport"
)

const (
	credentialsFile = "credentials.db"
	storeLockWait   = 2 * time.Second
)

// runtime is the object graph shared by the client commands: one store, one
// session manager and one authenticated API client.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *bboltstore.Store
	store   *credstore.Store
	manager *session.Manager
	api     *adminapi.Client
	notes   notify.Sink
}

// openRuntime opens the credential store under cfg.DataDir and wires the
// session manager, transport and API client around it. Notifications go to
// stderr.
func openRuntime(cfg *config.Config, stderr io.Writer) (*runtime, error) {
	log := logger.NewWithWriter(cfg.LogLevel, cfg.LogFormat, stderr)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstore.NewRepositoryFromFile(filepath.Join(cfg.DataDir, credentialsFile), &bolt.Options{Timeout: storeLockWait})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("credential store is in use by another brokerdesk process")
		}
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	key, err := cfg.StoreKeyBytes()
	if err == nil && key == nil {
		key, err = credstore.DeriveWrappingKey(cfg.DataDir)
	}
	if err != nil {
		repo.Close()
		return nil, err
	}
	store, err := credstore.Open(repo, key)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	rt := &runtime{
		cfg:    cfg,
		logger: log,
		repo:   repo,
		store:  store,
		notes:  notify.Multi(notify.NewTerminal(stderr), notify.NewLogger(log)),
	}
	rt.manager = session.New(store, cfg.APIURL,
		session.WithLogger(log),
		session.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithSessionEndedHook(rt.sessionEnded),
	)
	tr := transport.New(rt.manager, transport.WithNotifier(rt.notes), transport.WithLogger(log))
	rt.api = adminapi.New(cfg.APIURL, tr)
	return rt, nil
}

func (rt *runtime) sessionEnded(reason session.EndReason) {
	switch reason {
	case session.EndReasonRefreshFailed:
		rt.notes.Notify(notify.New(notify.LevelWarning, "Your session has ended. Please sign in again."))
	case session.EndReasonTokenInvalid:
		rt.notes.Notify(notify.New(notify.LevelWarning, "Your session is no longer valid. Please sign in again."))
	}
}

// Close releases the store and its file lock.
func (rt *runtime) Close() {
	rt.store.Close()
	if err := rt.repo.Close(); err != nil {
		rt.logger.Warn("closing credential store", "error", err)
	}
}
