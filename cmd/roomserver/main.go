// Command roomserver runs the Room Server: the WebSocket signaling
// broker plus the small HTTP API for room password management. It wires
// internal/room's Manager, the durable password KV store, and
// internal/signaling's Hub together behind one listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/dropmesh/dropmesh/internal/room"
	"github.com/dropmesh/dropmesh/internal/signaling"
)

func main() {
	var (
		port       int
		bindAddr   string
		dbPath     string
		inMemoryDB bool
	)
	flag.IntVar(&port, "port", envInt("PORT", 8080), "port to listen on")
	flag.StringVar(&bindAddr, "bind-address", envOr("BIND_ADDRESS", "0.0.0.0"), "address to bind")
	flag.StringVar(&dbPath, "db", "roomserver.db", "path to the SQLite password store")
	flag.BoolVar(&inMemoryDB, "in-memory", false, "use a non-durable in-memory password store instead of SQLite")
	flag.Parse()

	var store room.PasswordStore
	if inMemoryDB {
		store = room.NewMemPasswordStore()
	} else {
		sqliteStore, err := room.OpenSQLitePasswordStore(dbPath)
		if err != nil {
			log.Fatalf("roomserver: opening password store: %v", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	manager := room.NewManager(store)
	hub := signaling.NewHub(manager)

	r := mux.NewRouter()
	manager.RegisterRoutes(r)
	r.HandleFunc("/ws", hub.ServeWS)

	addr := fmt.Sprintf("%s:%d", bindAddr, port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("roomserver: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("roomserver: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("roomserver: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("roomserver: shutdown error: %v", err)
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
