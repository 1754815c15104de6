// Package app implements the HTTP and websocket surface of FabHost: a
// small intake API for lifecycle and job commands and a state-change feed
// broadcast to every subscribed client.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"FabHost/internal/core"
	"FabHost/internal/state"
	"FabHost/internal/util"
)

// App wires the system into an HTTP server.
type App struct {
	sys      *core.System
	log      *util.Logger
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// StateChange is the notification pushed to websocket clients on every
// lifecycle transition.
type StateChange struct {
	Bot   string `json:"bot"`
	State string `json:"state"`
}

// New creates the app, registers its routes and subscribes to the
// system's state transitions for broadcasting.
func New(sys *core.System, logger *util.Logger) *App {
	a := &App{
		sys:      sys,
		log:      logger,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
	a.registerRoutes()
	sys.Subscribe(func(botID string, st state.State) {
		a.broadcast(StateChange{Bot: botID, State: string(st)})
	})
	return a
}

// Start launches the web server and blocks until stopped. An empty
// address disables the surface entirely.
func (a *App) Start(addr string) error {
	if addr == "" {
		a.log.Info("api server not started (empty address)")
		return nil
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	a.server = &http.Server{Addr: addr, Handler: a.mux}
	a.log.Info("api listening at http://%s", addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server and drops every websocket client.
func (a *App) Stop() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Error("api shutdown: %v", err)
		}
	}
	a.mu.Lock()
	for c := range a.clients {
		_ = c.Close()
	}
	a.clients = make(map[*websocket.Conn]bool)
	a.mu.Unlock()
}

// broadcast pushes a state change to every connected client, dropping
// clients whose connection has gone away.
func (a *App) broadcast(sc StateChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.clients {
		if err := c.WriteJSON(sc); err != nil {
			_ = c.Close()
			delete(a.clients, c)
		}
	}
}
