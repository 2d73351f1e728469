package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"odyssey/internal/grid"
	"odyssey/internal/rescue"
	"odyssey/internal/world"
)

// connState is the per-connection lifecycle: a fresh socket must
// handshake before anything else is admissible, then stays ready until
// some condition (protocol error, disconnect) moves it to closing.
type connState int

const (
	awaitHandshake connState = iota
	ready
	closing
)

// Config bounds the cadence the server advertises to drones and the
// heartbeat liveness window the heartbeat subsystem enforces.
type Config struct {
	StatusUpdateInterval int           // seconds, advisory, echoed in HANDSHAKE_ACK
	HeartbeatInterval    int           // seconds, advisory, echoed in HANDSHAKE_ACK
	MissionTTL           time.Duration // ASSIGN_MISSION expiry horizon
}

// Conn is one drone's connection: the framing buffer, the single
// writer goroutine that serializes outbound messages, and the state
// machine that gates which inbound messages are admissible.
type Conn struct {
	netConn net.Conn
	world   *world.World
	cfg     Config
	log     hclog.Logger

	sessionID string
	droneID   string // set once HANDSHAKE succeeds
	state     connState

	outbox chan any
	closed chan struct{}
}

// NewConn wraps an accepted net.Conn. The caller must invoke Serve to
// actually run the connection's read/write loops.
func NewConn(nc net.Conn, w *world.World, cfg Config, log hclog.Logger) *Conn {
	return &Conn{
		netConn: nc,
		world:   w,
		cfg:     cfg,
		log:     log,
		state:   awaitHandshake,
		outbox:  make(chan any, 32),
		closed:  make(chan struct{}),
	}
}

// Enqueue satisfies rescue.OutboundSender. It never blocks: if the
// buffered outbox is full, delivery continues on a background
// goroutine so the matcher and heartbeat timer never stall on a slow
// drone while holding a registry lock.
func (c *Conn) Enqueue(v any) {
	select {
	case c.outbox <- v:
	default:
		go func() {
			select {
			case c.outbox <- v:
			case <-c.closed:
			}
		}()
	}
}

// Close satisfies rescue.OutboundSender. It forces the socket closed;
// Serve's own readLoop then unwinds through the normal disconnect path.
func (c *Conn) Close() {
	c.netConn.Close()
}

// finalMessage wraps a message that must be the last thing written to
// the connection: writeLoop closes the socket immediately after
// delivering it, instead of going back to wait on the outbox.
type finalMessage struct {
	payload any
}

// enqueueFinal queues v as the connection's last outbound message. It
// goes through the same outbox as every other write, so it cannot
// overtake or interleave with whatever writeLoop is draining at the
// time; the caller is responsible for also moving the state machine to
// closing.
func (c *Conn) enqueueFinal(v any) {
	c.Enqueue(finalMessage{payload: v})
}

var _ rescue.OutboundSender = (*Conn)(nil)

// Serve runs the connection until it terminates (client disconnect,
// protocol error, or ctx cancellation), then marks the drone
// DISCONNECTED and releases any in-flight survivor.
func (c *Conn) Serve(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(connCtx)
	}()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("connection handler panicked, forcing disconnect", "panic", r)
		}
		if c.state == closing {
			// Give writeLoop the chance to deliver the queued final
			// message; it closes the socket itself once that is written.
			select {
			case <-writerDone:
			case <-time.After(time.Second):
			}
		}
		c.disconnect()
		close(c.closed)
	}()

	go func() {
		<-connCtx.Done()
		c.netConn.Close()
	}()

	c.readLoop()
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.netConn)
	for c.state != closing {
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(line) > 0 {
				c.log.Warn("connection closed with unterminated partial message, treating as transport failure")
			} else if err != io.EOF {
				c.log.Warn("read error", "error", err)
			}
			return
		}
		c.handleLine(line)
	}
}

func (c *Conn) handleLine(line string) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		c.Enqueue(newError(400, "Bad JSON"))
		return
	}
	if env.Type == "" {
		c.Enqueue(newError(400, "Missing message type"))
		return
	}

	if c.state == awaitHandshake {
		if env.Type != "HANDSHAKE" {
			c.enqueueFinal(newError(400, "Expected HANDSHAKE"))
			c.state = closing
			return
		}
		c.handleHandshake(line)
		return
	}

	switch env.Type {
	case "STATUS_UPDATE":
		c.handleStatusUpdate(line)
	case "MISSION_COMPLETE":
		c.handleMissionComplete(line)
	case "HEARTBEAT_RESPONSE":
		c.handleHeartbeatResponse(line)
	case "HANDSHAKE":
		// Already handshaked: a second HANDSHAKE is a protocol error.
		c.enqueueFinal(newError(400, "Already handshaked"))
		c.state = closing
	default:
		c.Enqueue(newError(400, "Invalid message type"))
	}
}

func (c *Conn) handleHandshake(line string) {
	var msg Handshake
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.DroneID == "" {
		c.enqueueFinal(newError(400, "Malformed HANDSHAKE"))
		c.state = closing
		return
	}

	sessionID := uuid.NewString()
	start := grid.Coord{
		X: pseudoRandom(sessionID) % c.world.Grid.Width,
		Y: pseudoRandom(sessionID+"y") % c.world.Grid.Height,
	}

	if _, err := c.world.Drones.Register(sessionID, msg.DroneID, start, c); err != nil {
		switch {
		case errors.Is(err, rescue.ErrCapacityExceeded):
			c.enqueueFinal(newError(503, "drone capacity exceeded"))
		case errors.Is(err, rescue.ErrDuplicateID):
			c.enqueueFinal(newError(400, "duplicate drone_id"))
		default:
			c.enqueueFinal(newError(500, "registration failed"))
		}
		c.state = closing
		return
	}

	c.sessionID = sessionID
	c.droneID = msg.DroneID
	c.state = ready

	c.Enqueue(HandshakeAck{
		Type:      "HANDSHAKE_ACK",
		SessionID: sessionID,
		Config: HandshakeAckConfig{
			StatusUpdateInterval: c.cfg.StatusUpdateInterval,
			HeartbeatInterval:    c.cfg.HeartbeatInterval,
		},
	})
	c.log.Info("drone handshaked", "drone_id", msg.DroneID, "session_id", sessionID, "coord", start)
}

func (c *Conn) handleStatusUpdate(line string) {
	var msg StatusUpdate
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.Enqueue(newError(400, "Bad JSON"))
		return
	}
	coord := grid.Coord{X: msg.Location.X, Y: msg.Location.Y}
	status := rescue.Idle
	if msg.Status == "busy" {
		status = rescue.OnMission
	}
	ts := time.Unix(msg.Timestamp, 0)
	if msg.Timestamp == 0 {
		ts = time.Now()
	}
	if err := c.world.Drones.UpdateStatus(c.sessionID, coord, status, msg.Battery, msg.Speed, ts); err != nil {
		c.log.Warn("status update for unknown session", "error", err)
	}
}

func (c *Conn) handleMissionComplete(line string) {
	var msg MissionComplete
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.Enqueue(newError(400, "Bad JSON"))
		return
	}

	current, _, onMission := c.world.Drones.MissionOf(c.sessionID)
	if !onMission || current != msg.MissionID {
		// Stale or mismatched completion (e.g. a duplicate, or one that
		// arrived after the mission already expired): discard idempotently.
		c.log.Debug("discarding stale MISSION_COMPLETE", "mission_id", msg.MissionID)
		return
	}

	if err := c.world.Drones.MarkIdle(c.sessionID); err != nil {
		c.log.Warn("failed to mark drone idle", "error", err)
		return
	}

	ts := time.Unix(msg.Timestamp, 0)
	if msg.Timestamp == 0 {
		ts = time.Now()
	}
	if err := c.world.Survivors.Complete(msg.MissionID, ts); err != nil {
		// Not found or wrong state: log and continue. A completion report
		// is never allowed to be fatal to the connection.
		c.log.Warn("mission complete for unresolved survivor", "mission_id", msg.MissionID, "error", err)
	}
}

func (c *Conn) handleHeartbeatResponse(line string) {
	var msg HeartbeatResponse
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.Enqueue(newError(400, "Bad JSON"))
		return
	}
	ts := time.Unix(msg.Timestamp, 0)
	if msg.Timestamp == 0 {
		ts = time.Now()
	}
	_ = c.world.Drones.Touch(c.sessionID, ts)
}

// disconnect marks the drone DISCONNECTED and releases any in-flight
// survivor back to WAITING.
func (c *Conn) disconnect() {
	if c.sessionID == "" {
		// Never made it past HANDSHAKE; nothing to release.
		c.netConn.Close()
		return
	}
	d, err := c.world.Drones.MarkDisconnected(c.sessionID)
	c.netConn.Close()
	if err != nil {
		return
	}
	if d.MissionID != "" {
		if relErr := c.world.Survivors.Release(d.MissionID); relErr != nil {
			c.log.Warn("failed to release in-flight survivor on disconnect", "mission_id", d.MissionID, "error", relErr)
		} else {
			c.log.Info("released in-flight survivor after disconnect", "drone_id", c.droneID, "mission_id", d.MissionID)
		}
	}
}

// writeLoop is the connection's single writer: every outbound message,
// whether from the handshake ack path, the matcher, or the heartbeat
// timer, is serialized through here so concurrent producers never
// interleave writes on the socket.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-c.outbox:
			if !ok {
				return
			}
			if final, isFinal := v.(finalMessage); isFinal {
				if err := c.writeMessage(final.payload); err != nil {
					c.log.Warn("failed to deliver final message before closing", "error", err)
				}
				c.netConn.Close()
				return
			}
			if err := c.writeMessage(v); err != nil {
				c.log.Warn("write failed, closing connection", "error", err)
				c.netConn.Close()
				return
			}
		}
	}
}

func (c *Conn) writeMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	payload = append(payload, '\n')

	total := 0
	for total < len(payload) {
		n, err := c.netConn.Write(payload[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// pseudoRandom derives a small non-negative int from a string without
// reaching for math/rand at handshake time (the randomness here is
// cosmetic: any in-bounds starting cell is fine; the drone's first
// STATUS_UPDATE is authoritative).
func pseudoRandom(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	if h == 0 {
		return 0
	}
	v := int(h &^ (1 << 31))
	if v < 0 {
		v = -v
	}
	return v
}
