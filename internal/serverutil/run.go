package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key used to terminate TLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ShutdownHook runs after the HTTP server stops accepting requests, sharing
// the shutdown deadline.
type ShutdownHook struct {
	Name string
	Fn   func(context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server *http.Server
	// Listener, when set, is served instead of binding Server.Addr.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}
	Logger          *slog.Logger
	OnShutdown      []ShutdownHook
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails, then drains
// in-flight requests and runs the shutdown hooks in order. Hook failures are
// logged and joined into the returned error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return err
		}
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		serveErr = nil
	case <-ctx.Done():
		logger.Info("shutting down http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if serveErr != nil {
		shutdownErr := cfg.Server.Shutdown(shutdownCtx)
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			} else {
				runErr = shutdownErr
			}
		case <-shutdownCtx.Done():
			if shutdownErr != nil {
				runErr = shutdownErr
			} else {
				runErr = shutdownCtx.Err()
			}
		}
	}

	for _, hook := range cfg.OnShutdown {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(shutdownCtx); err != nil {
			logger.Warn("shutdown hook failed", "hook", hook.Name, "error", err)
			runErr = errors.Join(runErr, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}
	return runErr
}
