package protocol

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"odyssey/internal/world"
)

// Server accepts drone connections on a single TCP listener and spawns
// one Conn per accepted socket.
type Server struct {
	addr  string
	world *world.World
	cfg   Config
	log   hclog.Logger
}

// NewServer builds a drone-protocol server bound to addr (e.g.
// "0.0.0.0:8080").
func NewServer(addr string, w *world.World, cfg Config, log hclog.Logger) *Server {
	return &Server{addr: addr, world: w, cfg: cfg, log: log.Named("protocol")}
}

// Run binds the listener and accepts connections until ctx is
// cancelled (SO_REUSEADDR is the Go net package's default behaviour on
// Linux/Darwin for TCP listeners).
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("drone protocol listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := NewConn(nc, s.world, s.cfg, s.log)
			conn.Serve(ctx)
		}()
	}
	wg.Wait()
	return nil
}
