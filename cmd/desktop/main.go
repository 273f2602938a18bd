// Package main serves the replica to the desktop UI over REST and WebSocket
// on localhost.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/kimhsiao/cartsync/cmd/desktop/handlers"
	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/core"
	"github.com/kimhsiao/cartsync/internal/logging"
)

const serviceName = "cartsync-desktop"

func main() {
	if err := run(); err != nil {
		logging.Error("Desktop server stopped", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CARTSYNC_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(config.DefaultDataDir(), "config.toml")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	cfg, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return err
	}
	c, err := core.Open(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	hub := NewWSHub()
	defer hub.Close()
	c.Engine().SetEventHandler(hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.Start(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", port),
		Handler:           newServer(c, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("Desktop server starting", map[string]interface{}{"addr": srv.Addr})
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logging.Info("Desktop server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// newServer registers every route of the desktop API.
func newServer(c *core.Core, hub *WSHub) http.Handler {
	lists := handlers.NewListHandler(c)
	syncs := handlers.NewSyncHandler(c)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	mux.HandleFunc("GET /api/lists", lists.ListLists)
	mux.HandleFunc("POST /api/lists", lists.SaveList)
	mux.HandleFunc("GET /api/lists/{id}", lists.GetList)
	mux.HandleFunc("DELETE /api/lists/{id}", lists.DeleteList)
	mux.HandleFunc("POST /api/lists/{id}/items", lists.AddItem)

	mux.HandleFunc("POST /api/sync", syncs.TriggerSync)
	mux.HandleFunc("GET /api/sync/status", syncs.GetStatus)

	mux.HandleFunc("GET /api/events", HandleWebSocket(hub))
	return mux
}
