package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaysync/internal/devserver"
)

func main() {
	addr := flag.String("addr", envOrDefault("RELAYSYNC_DEVSERVER_ADDR", ":8080"), "listen address")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYSYNC_DEVSERVER_TOKEN")), "bearer token required on every request (optional)")
	disableSocket := flag.Bool("disable-socket", boolEnv("RELAYSYNC_DEVSERVER_DISABLE_SOCKET", false), "refuse websocket connections")
	disableStream := flag.Bool("disable-stream", boolEnv("RELAYSYNC_DEVSERVER_DISABLE_STREAM", false), "refuse SSE connections")
	maxEvents := flag.Int("max-events", intEnv("RELAYSYNC_DEVSERVER_MAX_EVENTS", 0), "events kept for polling clients")
	flag.Parse()

	server := devserver.New(devserver.Options{
		Token:         *token,
		DisableSocket: *disableSocket,
		DisableStream: *disableStream,
		MaxEvents:     *maxEvents,
		Logger:        log.Default(),
	})
	defer server.Close()

	log.Printf("relaysync devserver listening on %s", *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
