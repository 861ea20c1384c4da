package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pingo/pkg/logger"
	"pingo/pkg/session"
)

// startDiagnostics starts the metrics/health listener when an address is
// configured and returns a channel that will carry any fatal listener
// error. Without an address it returns a channel that never fires.
func (a *App) startDiagnostics(_ context.Context) <-chan error {
	errCh := make(chan error, 1)
	addr := a.eff.Config.Diagnostics.Addr
	if addr == "" {
		return errCh
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)

	a.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	logger.Info("diagnostics_listening", "addr", addr)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (a *App) shutdownDiagnostics() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

// healthzHandler reports process liveness.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
}

// readyzHandler reports the live-connection state: ready only while the
// session is connected to a chat.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st := a.sess.Status()
	if st != session.StatusConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("{\"status\":\"" + string(st) + "\"}"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"connected\",\"version\":\"" + a.versionString() + "\"}"))
}

func (a *App) versionString() string {
	if a.version == "" {
		return "dev"
	}
	return a.version
}
