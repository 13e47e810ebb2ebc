package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// LAN deployment: clients connect by IP, so origin checking would
		// only reject legitimate peers.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// StatsFunc reports storage counters for the status endpoint.
type StatsFunc func(ctx context.Context) (map[string]int64, error)

// Gateway serves browser clients over WebSocket, plus a status endpoint.
// Upgraded connections go through the same worker lifecycle as TCP clients;
// the gateway only adapts the transport.
type Gateway struct {
	addr     string
	listener *Listener
	stats    StatsFunc
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway configures a WebSocket endpoint that feeds the listener's
// worker pipeline.
func NewGateway(addr string, listener *Listener, stats StatsFunc) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		addr:     addr,
		listener: listener,
		stats:    stats,
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleUpgrade)
	mux.HandleFunc("/status", g.handleStatus)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Start serves the endpoint in the background.
func (g *Gateway) Start() {
	go func() {
		log.Printf("websocket gateway listening: addr=%s", g.addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("websocket gateway failed: %v", err)
		}
	}()
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: addr=%s err=%v", r.RemoteAddr, err)
		return
	}
	g.listener.serve(g.ctx, NewWebSocketWire(conn))
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := g.stats(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("failed to write status response: %v", err)
	}
}

// Stop shuts the HTTP server down and cancels in-flight upgrades.
func (g *Gateway) Stop(ctx context.Context) error {
	g.cancel()
	return g.server.Shutdown(ctx)
}
