package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"track-resolver-go/app"
	"track-resolver-go/config"
	"track-resolver-go/logcolors"

	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
}

func main() {
	conf := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, conf, app.Options{PersistStats: true})
	if err != nil {
		log.Fatalf("%s Failed to start: %v", logcolors.LogServer, err)
	}

	s := newServer(a)
	go s.evictIdleClients(ctx)

	srv := &http.Server{
		Addr:              ":" + conf.Configuration.Port,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("%s Listening on port %s", logcolors.LogServer, conf.Configuration.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("%s %v", logcolors.LogServer, err)
		}
	}()

	<-ctx.Done()
	log.Infof("%s Shutting down", logcolors.LogServer)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(conf.Configuration.ShutdownTimeoutSecs))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("%s Graceful shutdown failed: %v", logcolors.LogServer, err)
	}
	if err := a.Close(); err != nil {
		log.Warnf("%s Close: %v", logcolors.LogServer, err)
	}
}
