// Command gridstored runs the storage-node control plane: it accepts node
// agent connections on /ws and exposes the command surface to the route
// layer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gridstore/internal/auth"
	"gridstore/internal/broker"
	"gridstore/internal/gate"
	"gridstore/internal/hub"
	"gridstore/internal/metrics"
	"gridstore/internal/registry"
	"gridstore/internal/store"
)

func main() {
	listen := flag.String("listen", ":8440", "listen address")
	dbPath := flag.String("db", "", "sqlite database path (empty: in-memory store)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug || os.Getenv("GRIDSTORE_DEBUG") == "1" {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	st, closeStore, err := openStore(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	m := metrics.New()
	g := gate.New(gate.Options{
		MaxAttempts: envInt("GRIDSTORE_RATE_MAX_ATTEMPTS", 0),
		Window:      envSeconds("GRIDSTORE_RATE_WINDOW_SEC"),
		MaxConns:    envInt("GRIDSTORE_MAX_CONNS_PER_SOURCE", 0),
	})
	reg := registry.New()
	b := broker.New(reg, m, log)
	h := hub.New(g, auth.NewAuthenticator(st), reg, b, st, m, log, hub.Options{
		AuthTimeout:    envSeconds("GRIDSTORE_AUTH_TIMEOUT_SEC"),
		PingInterval:   envSeconds("GRIDSTORE_PING_INTERVAL_SEC"),
		MaxMissedPongs: envInt("GRIDSTORE_MAX_MISSED_PONGS", 0),
	})
	registrar := auth.NewRegistrar(st)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/metricsz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	mux.HandleFunc("/enroll", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			MaxSpaceBytes int64 `json:"max_space_bytes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		creds, err := registrar.Enroll(r.Context(), req.MaxSpaceBytes)
		if err != nil {
			log.Error().Err(err).Msg("enroll failed")
			http.Error(w, "enroll failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(creds)
	})

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("listen", *listen).Msg("gridstored starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}

func openStore(path string) (store.Store, func(), error) {
	if path == "" {
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envSeconds(key string) time.Duration {
	if v := envInt(key, 0); v > 0 {
		return time.Duration(v) * time.Second
	}
	return 0
}
