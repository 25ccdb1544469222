package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (defaults to RELAYDOC_CONFIG)")
	// Containers collect stderr; -logtostderr=false restores glog's files.
	_ = flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		glog.Exitf("failed to load config: %v", err)
	}
	persistence, queue, err := buildStorage(cfg.Storage)
	if err != nil {
		glog.Exitf("failed to initialize storage backends: %v", err)
	}

	broker := relaydoc.NewBroker(cfg.brokerOptions(persistence, queue))
	status := broker.BackendStatus()
	glog.Infof("relaydoc storage: profile=%s persistence=%s queue=%s durability=%s",
		status.BackendProfile, status.Persistence, status.SinkQueue, status.Durability)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServerWithConfig(broker, cfg.serverConfig()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("relaydoc listening on %s", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			broker.Close()
			glog.Exitf("server failed: %v", err)
		}
	case <-ctx.Done():
		glog.Infof("relaydoc shutting down: %v", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	// Close saves a final snapshot of every open document.
	broker.Close()
}
