package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/signer"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run a local milestone ingest endpoint that verifies signatures",
	RunE:  runReceive,
}

var (
	receiveAddr string
	receivePath string
)

func init() {
	receiveCmd.Flags().StringVar(&receiveAddr, "addr", "127.0.0.1:8090", "listen address")
	receiveCmd.Flags().StringVar(&receivePath, "path", "/ingest", "ingest path")
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	creds, _, err := loadCredentials()
	if err != nil {
		return err
	}
	secret := creds.SigningSecret()
	if secret == "" {
		return signer.ErrEmptySecret
	}

	rv := milestone.NewReceiver(secret, logger)
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, receivePath, rv)
	r.Get("/accepted", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		printJSON(w, rv.Accepted())
	})

	srv := &http.Server{Addr: receiveAddr, Handler: r, ReadTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("milestone receiver listening", map[string]interface{}{"addr": receiveAddr, "path": receivePath})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
