// Command forwarderd is a small demo binary wiring the forwarding engine
// end to end: it accepts HTTP requests, parses them with net/http (the
// engine itself never parses client-facing HTTP, per spec.md §1's
// Non-goals — that restriction binds the engine, not this surrounding
// binary), and hands each one to the Lifecycle State Machine over a
// pooled application Session.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fanyer/passenger/internal/apppool"
	"github.com/fanyer/passenger/internal/bodysource"
	"github.com/fanyer/passenger/internal/config"
	"github.com/fanyer/passenger/internal/lifecycle"
	applog "github.com/fanyer/passenger/internal/log"
	"github.com/fanyer/passenger/internal/pool"
	"github.com/fanyer/passenger/internal/request"
	"github.com/fanyer/passenger/internal/session"
	"github.com/fanyer/passenger/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var listenAddr string
	var logLevel string
	var appNetwork string
	var appAddress string

	cmd := &cobra.Command{
		Use:   "forwarderd",
		Short: "Forward HTTP requests to an application backend Session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				cfg = loaded
			}
			if listenAddr != "" {
				cfg.ListenAddress = listenAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if appNetwork == "" {
				appNetwork = "tcp"
			}

			logger, err := applog.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			return run(cfg, appNetwork, appAddress, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	cmd.Flags().StringVar(&appNetwork, "app-network", "tcp", `application socket network ("unix" or "tcp")`)
	cmd.Flags().StringVar(&appAddress, "app-address", "127.0.0.1:3001", "application socket address")

	return cmd
}

func run(cfg config.Config, appNetwork, appAddress string, logger *zap.Logger) error {
	pl := pool.New(cfg.PoolChunkSize)
	appPool := apppool.New(apppool.Config{
		MaxIdleConnsPerGroup: cfg.Pool.MaxIdleConnsPerGroup,
		MaxConnsPerGroup:     cfg.Pool.MaxConnsPerGroup,
		MaxIdleTime:          cfg.Pool.MaxIdleTime,
		WaitTimeout:          cfg.Pool.WaitTimeout,
		StaleCheckThreshold:  cfg.Pool.StaleCheckThreshold,
	}, nil)

	defaults := wire.Defaults{ServerName: cfg.DefaultServerName, ServerPort: cfg.DefaultServerPort}

	handler := &forwardHandler{
		pool:       appPool,
		pl:         pl,
		defaults:   defaults,
		highWater:  cfg.HighWatermark,
		appNetwork: appNetwork,
		appAddress: appAddress,
		logger:     logger,
	}

	logger.Info("listening", zap.String("addr", cfg.ListenAddress))
	return http.ListenAndServe(cfg.ListenAddress, handler)
}

type forwardHandler struct {
	pool       *apppool.Pool
	pl         *pool.Pool
	defaults   wire.Defaults
	highWater  int
	appNetwork string
	appAddress string
	logger     *zap.Logger
}

func (h *forwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txnID := newTransactionID()
	logger := applog.ForRequest(h.logger, r.RemoteAddr, txnID)

	req := &request.Request{
		Method:           request.Method(r.Method),
		Path:             r.URL.RequestURI(),
		HasBody:          r.ContentLength != 0,
		HTTPS:            r.TLS != nil,
		TransactionID:    txnID,
		AnalyticsEnabled: true,
	}
	for name, values := range r.Header {
		for _, v := range values {
			req.Headers = append(req.Headers, request.HeaderField{Name: name, Value: v})
		}
	}
	req.SecureHeaders = append(req.SecureHeaders, request.HeaderField{Name: "REMOTE_ADDR", Value: r.RemoteAddr})

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	sess, err := h.pool.Checkout(ctx, apppool.GroupSpec{
		Network:  h.appNetwork,
		Address:  h.appAddress,
		Protocol: session.ProtocolHTTP,
	})
	if err != nil {
		logger.Warn("checkout failed", zap.Error(err))
		http.Error(w, "application unavailable", http.StatusBadGateway)
		return
	}

	body := bodysource.New(r.Body, 0)

	done := make(chan error, 1)
	exchange := lifecycle.New(req, sess, body, lifecycle.Config{
		Defaults:      h.defaults,
		Pool:          h.pl,
		HighWatermark: h.highWater,
		// The response-forwarding subsystem is out of scope (spec.md §1's
		// Non-goals); this demo just considers the request done once its
		// own side has nothing left to send.
		OnRequestSideDone: func() {
			done <- nil
		},
		OnEnded: func() {
			done <- nil
		},
		OnDisconnect: func(err error) {
			done <- err
		},
	})
	exchange.Send()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("forwarding failed", zap.Error(err))
			h.pool.Discard(sess)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		h.pool.Release(sess)
		w.WriteHeader(http.StatusAccepted)
	case <-ctx.Done():
		logger.Warn("forwarding timed out")
		h.pool.Discard(sess)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

func newTransactionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
