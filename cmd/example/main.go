// Package main runs an HTTP/2 echo server built on the stratum pipeline.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albertbausili/stratum/internal/h2/transport"
	"github.com/albertbausili/stratum/pkg/stratum"
	"github.com/albertbausili/stratum/pkg/stratum/filters"
)

func main() {
	addr := os.Getenv("EXAMPLE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	handler := func(ctx context.Context, path string, md [][2]string, body []byte) ([][2]string, []byte) {
		switch path {
		case "/health":
			return [][2]string{{"content-type", "text/plain"}}, []byte("ok")
		default:
			return [][2]string{
				{"content-type", "text/plain"},
				{"x-echo-path", path},
			}, body
		}
	}

	server := transport.NewServer(handler, transport.Config{
		Addr:      addr,
		Multicore: true,
		Filters: []*stratum.Filter{
			filters.Logger(),
			filters.Tracing(),
			filters.Compress(),
		},
	})

	go func() {
		log.Printf("starting server on %s", addr)
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
