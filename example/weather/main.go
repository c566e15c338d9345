// Command weather runs the weather MCP server over the SSE transport and
// drives a short client session against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
	"github.com/monsoonlabs/go-mcp-sse/servers/weather"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	baseURL := fmt.Sprintf("http://localhost:%s", cfg.Port)
	sse := mcpsse.NewSSEServer(fmt.Sprintf("%s/message", baseURL),
		mcpsse.WithSSEServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("Server starting on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	handler := weather.NewServer(weather.WithLogger(logger))
	var sessions sync.WaitGroup
	go func() {
		for conn := range sse.Connections() {
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				serveConn(conn, handler, logger)
			}()
		}
	}()

	// Wait for the server to start
	time.Sleep(time.Second)
	fmt.Println("Server started")

	cli := newClient(baseURL, cfg, logger)
	go cli.run()
	<-cli.done

	fmt.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sse.Close()
	sessions.Wait()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v", err)
		return
	}

	fmt.Println("Server exited gracefully")
}

func serveConn(conn *mcpsse.ServerConn, handler *weather.Server, logger *slog.Logger) {
	in, out := conn.Queues()
	sess := mcpsse.NewSession(in, out,
		mcpsse.WithHandler(handler),
		mcpsse.WithSessionLogger(logger))
	sess.Start()

	logger.Info("session started", "id", conn.ID())
	select {
	case <-conn.Closed():
	case <-sess.Done():
	}
	sess.Close()
	logger.Info("session ended", "id", conn.ID())
}
