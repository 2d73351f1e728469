// Package visualizer serves a read-only WebSocket feed of periodic
// world snapshots to any number of connected dashboard clients. It
// pushes on a fixed interval rather than waiting to be polled, and
// never mutates World state.
package visualizer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"odyssey/internal/world"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub tracks the set of connected visualizer clients and fans a
// snapshot out to all of them.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	log     hclog.Logger
}

func newHub(log hclog.Logger) *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{}), log: log}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

// broadcast sends message to every connected client. A slow or dead
// client is dropped rather than allowed to stall the push loop; a dead
// drone-facing connection never shares a lock with this path, so a
// stuck visualizer client cannot block matching or dispatch.
func (h *hub) broadcast(message []byte) {
	h.mu.RLock()
	snapshot := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.Debug("visualizer client write failed, dropping", "error", err)
			go h.remove(c)
		}
	}
}

// Server is the visualizer's HTTP/WebSocket listener.
type Server struct {
	addr         string
	world        *world.World
	hub          *hub
	log          hclog.Logger
	pushInterval time.Duration
	httpServer   *http.Server
}

// New builds a visualizer Server bound to addr, pushing world snapshots
// every pushInterval to every connected /ws client.
func New(addr string, w *world.World, pushInterval time.Duration, log hclog.Logger) *Server {
	named := log.Named("visualizer")
	s := &Server{
		addr:         addr,
		world:        w,
		hub:          newHub(named),
		log:          named,
		pushInterval: pushInterval,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade visualizer client", "error", err)
		return
	}
	s.hub.add(conn)
	s.log.Info("visualizer client connected", "remote", conn.RemoteAddr())

	// The push loop is the only writer; this goroutine's sole job is to
	// detect the client going away (read error or close frame) so the
	// connection can be dropped out of the hub promptly.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(conn)
			return
		}
	}
}

// Run starts the HTTP listener and the snapshot push loop, blocking
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("visualizer listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.pushSnapshot()
		}
	}
}

func (s *Server) pushSnapshot() {
	s.hub.mu.RLock()
	empty := len(s.hub.clients) == 0
	s.hub.mu.RUnlock()
	if empty {
		return
	}
	payload, err := json.Marshal(s.world.Snapshot())
	if err != nil {
		s.log.Error("failed to marshal visualizer snapshot", "error", err)
		return
	}
	s.hub.broadcast(payload)
}
