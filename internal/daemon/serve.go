package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"psa/internal/ipc"
	"psa/internal/logging"
)

// ServeOptions selects the optional surfaces started beside the loop.
type ServeOptions struct {
	SocketPath  string // empty disables the command socket
	MetricsAddr string // empty disables the metrics endpoint
	WatchDir    string // empty disables rule-directory watching
}

// Serve runs the control loop together with the command socket, metrics
// endpoint and rule watcher. It returns when ctx is cancelled, a shutdown
// command is handled or any component fails; the others are then stopped.
func (d *Daemon) Serve(ctx context.Context, so ServeOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *ipc.Server
	if so.SocketPath != "" {
		var err error
		if srv, err = ipc.Listen(so.SocketPath, d); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return d.Run(gctx)
	})

	if srv != nil {
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if so.MetricsAddr != "" {
		g.Go(func() error { return d.serveMetrics(gctx, so.MetricsAddr) })
	}

	if so.WatchDir != "" {
		w, err := NewRuleWatcher(so.WatchDir, d.Reload)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("rule watcher: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

func (d *Daemon) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.deps.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Daemon("metrics on http://%s/metrics", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-errCh
	return nil
}
