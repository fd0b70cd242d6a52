package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/internal/config"
	"github.com/jmcleod/brokerdesk/internal/logger"
	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/sandbox"
	bboltstore "github.com/jmcleod/brokerdesk/storage/bbolt"
)

const sandboxFile = "sandbox.db"

type sandboxOptions struct {
	addr         string
	persist      bool
	seedEmail    string
	seedPassword string
	seedName     string
	seedRole     string
	seedTOTP     string
}

var sandboxOpts sandboxOptions

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run a local admin API for development and demos",
	Long: `sandbox serves the authentication and admin endpoints the console talks to,
backed by in-memory accounts (or a bbolt file with --persist). One operator is
seeded on start. The OpenAPI document is served at /openapi.yaml with Swagger UI
at /docs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if sandboxOpts.addr == "" {
			sandboxOpts.addr = cfg.SandboxAddr
		}
		log := logger.NewWithWriter(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
		return serveSandbox(cmd.Context(), cfg, sandboxOpts, log, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)
	f := sandboxCmd.Flags()
	f.StringVar(&sandboxOpts.addr, "addr", "", "Listen address (overrides BROKERDESK_SANDBOX_ADDR)")
	f.BoolVar(&sandboxOpts.persist, "persist", false, "Keep accounts in "+sandboxFile+" under the data directory")
	f.StringVar(&sandboxOpts.seedEmail, "seed-email", "ops@broker.test", "Email of the seeded operator")
	f.StringVar(&sandboxOpts.seedPassword, "seed-password", "sandbox-password", "Password of the seeded operator")
	f.StringVar(&sandboxOpts.seedName, "seed-name", "Sandbox Operator", "Display name of the seeded operator")
	f.StringVar(&sandboxOpts.seedRole, "seed-role", "super_admin", "Role of the seeded operator")
	f.StringVar(&sandboxOpts.seedTOTP, "seed-totp", "", "Base32 TOTP secret; enables 2FA for the seeded operator")
}

// newSandbox builds the sandbox server and seeds the operator. The returned
// close function releases the bbolt file when --persist is set.
func newSandbox(cfg *config.Config, opts sandboxOptions, log *slog.Logger) (*sandbox.Server, func(), error) {
	srvOpts := []sandbox.Option{
		sandbox.WithLogger(log),
		sandbox.WithCaptchaToken(cfg.SandboxCaptcha),
		sandbox.WithAccessTTL(cfg.SandboxTTL),
	}
	closeFn := func() {}

	if cfg.SandboxSecret != "" {
		secret, err := util.DecodeKeyHex(cfg.SandboxSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("BROKERDESK_SANDBOX_SECRET: %w", err)
		}
		srvOpts = append(srvOpts, sandbox.WithSecret(secret))
	} else if opts.persist {
		msg := "--persist requires BROKERDESK_SANDBOX_SECRET so stored accounts can be reopened"
		if example, err := util.RandomHex(util.AESKeySize); err == nil {
			msg += " (for example BROKERDESK_SANDBOX_SECRET=" + example + ")"
		}
		return nil, nil, errors.New(msg)
	}

	if opts.persist {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstore.NewRepositoryFromFile(filepath.Join(cfg.DataDir, sandboxFile), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sandbox storage: %w", err)
		}
		srvOpts = append(srvOpts, sandbox.WithRepository(repo))
		closeFn = func() { repo.Close() }
	}

	srv, err := sandbox.New(srvOpts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if opts.seedEmail != "" {
		_, err := srv.AddAdmin(sandbox.Admin{
			Name:        opts.seedName,
			Email:       opts.seedEmail,
			Password:    opts.seedPassword,
			Role:        opts.seedRole,
			Permissions: []string{sandbox.PermUsersRead, sandbox.PermWithdrawalsRead},
			TOTPSecret:  opts.seedTOTP,
		})
		if err != nil && !errors.Is(err, sandbox.ErrAdminExists) {
			closeFn()
			return nil, nil, fmt.Errorf("seeding operator: %w", err)
		}
	}
	return srv, closeFn, nil
}

func sandboxHandler(srv *sandbox.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/", srv.Router())
	return r
}

func serveSandbox(ctx context.Context, cfg *config.Config, opts sandboxOptions, log *slog.Logger, w io.Writer) error {
	srv, closeFn, err := newSandbox(cfg, opts, log)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Run(ctx)

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           sandboxHandler(srv),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(w, "Admin API Sandbox")
	fmt.Fprintf(w, "Listening on http://%s (docs: /docs)\n", opts.addr)
	if opts.seedEmail != "" {
		fmt.Fprintf(w, "Seeded operator: %s / %s\n", opts.seedEmail, opts.seedPassword)
	}
	fmt.Fprintf(w, "CAPTCHA token: %s\n", cfg.SandboxCaptcha)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(w, "\nReceived %s, shutting down...\n", sig)
	case <-ctx.Done():
	case err := <-done:
		return err
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
