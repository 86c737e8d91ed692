package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	commonlog "extapi/server/common/log"
	scanmanapp "extapi/server/scanman/app"
)

func main() {
	defer commonlog.Sync()

	cfg := scanmanapp.LoadConfig()
	server, err := scanmanapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize scanman server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start scanman http server on :%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run scanman http server: %v", err)
		}
	}()
	server.StartConsumers(ctx)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown scanman server gracefully: %v", err)
	}
}
