package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"chord/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type stateSource interface {
	State() realtime.State
}

// registerHTTP installs the diagnostics routes. /readyz is 200 only while the
// session is connected.
func registerHTTP(mux *http.ServeMux, log Logger, session stateSource, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := session.State()
		if st != realtime.StateConnected {
			http.Error(w, "session "+st.String(), http.StatusServiceUnavailable)
			log.Debug("readyz.not_ready", "state", st.String())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slogErrorLog{log},
	}))
}

type slogErrorLog struct{ log Logger }

func (l slogErrorLog) Println(v ...any) { l.log.Error("metrics.gather.fail", "err", v) }

// serveDiag runs the diagnostics listener until ctx is done.
func (a *App) serveDiag(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.session, a.registry)

	srv := &http.Server{
		Addr:              a.cfg.DiagAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", a.cfg.DiagAddr)
	if err != nil {
		a.log.Error("diag.listen.fail", "addr", a.cfg.DiagAddr, "err", err)
		return err
	}
	a.log.Info("diag.start", "addr", ln.Addr().String(), "url", runtimeBaseURL(ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("diag.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("diag.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("diag.stopped")
	return nil
}

// runtimeBaseURL turns a listen address into a URL a local operator can open.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
