package rescue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"odyssey/internal/grid"
)

// DroneStatus is the connected-drone lifecycle.
type DroneStatus int

const (
	Idle DroneStatus = iota
	OnMission
	Disconnected
)

func (s DroneStatus) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case OnMission:
		return "ON_MISSION"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the status the way the wire protocol and
// visualizer feed expect: the named string, not the underlying int.
func (s DroneStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

var (
	// ErrDuplicateID is returned by Register when an IDLE or ON_MISSION
	// drone already holds the requested drone_id.
	ErrDuplicateID = errors.New("rescue: duplicate drone id")
	// ErrDroneNotFound is returned when an operation names a session id
	// that is not in the registry.
	ErrDroneNotFound = errors.New("rescue: drone not found")
	// ErrCapacityExceeded is returned by Register once the registry
	// already holds MaxDrones connected (non-DISCONNECTED) drones.
	ErrCapacityExceeded = errors.New("rescue: drone capacity exceeded")
)

// OutboundSender is the narrow, non-owning handle a Drone record keeps
// on its connection. It lets the registry, matcher, and heartbeat timer
// enqueue outbound messages or force a disconnect without reaching into
// transport details.
type OutboundSender interface {
	// Enqueue queues v for delivery to the drone's single writer. It
	// must never block on network I/O.
	Enqueue(v any)
	// Close forces the underlying connection closed. The connection's
	// own read loop observes this and runs the normal disconnect path
	// (mark DISCONNECTED, release any in-flight survivor).
	Close()
}

// Drone is one connected responder unit.
type Drone struct {
	ID        string
	SessionID string
	Coord     grid.Coord
	Target    grid.Coord
	Status    DroneStatus
	LastUpdate time.Time
	Battery   int
	Speed     int

	// MissionID is the survivor id this drone is currently chasing.
	// Empty unless Status == OnMission.
	MissionID string
	// MissionExpiry is when an in-flight mission is considered stale and
	// eligible for the heartbeat sweep to release it back to the pool.
	MissionExpiry time.Time

	conn OutboundSender
}

// DroneView is a by-value, read-only snapshot of a Drone.
type DroneView struct {
	ID     string     `json:"id"`
	Coord  grid.Coord `json:"coord"`
	Target grid.Coord `json:"target"`
	Status DroneStatus `json:"status"`
}

// DroneRegistry is the exclusive owner of every Drone record for its
// connected lifetime.
type DroneRegistry struct {
	MaxDrones int

	mu      sync.Mutex
	bySess  map[string]*Drone
	idSeen  map[string]string // drone_id -> session_id, for active (non-disconnected) drones
}

// NewDroneRegistry returns an empty registry admitting at most maxDrones
// simultaneously-connected drones. maxDrones <= 0 means unbounded.
func NewDroneRegistry(maxDrones int) *DroneRegistry {
	return &DroneRegistry{
		MaxDrones: maxDrones,
		bySess:    make(map[string]*Drone),
		idSeen:    make(map[string]string),
	}
}

// Register inserts a new IDLE drone under a freshly minted session id.
// It is rejected with ErrDuplicateID if drone_id already names a
// connected (IDLE or ON_MISSION) drone, and with ErrCapacityExceeded if
// the registry is already at MaxDrones.
func (r *DroneRegistry) Register(sessionID, droneID string, start grid.Coord, conn OutboundSender) (*Drone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.idSeen[droneID]; exists {
		return nil, fmt.Errorf("register %s: %w", droneID, ErrDuplicateID)
	}
	if r.MaxDrones > 0 && len(r.bySess) >= r.MaxDrones {
		return nil, fmt.Errorf("register %s: %w", droneID, ErrCapacityExceeded)
	}

	d := &Drone{
		ID:         droneID,
		SessionID:  sessionID,
		Coord:      start,
		Target:     start,
		Status:     Idle,
		LastUpdate: time.Now(),
		conn:       conn,
	}
	r.bySess[sessionID] = d
	r.idSeen[droneID] = sessionID
	return d, nil
}

// UpdateStatus atomically applies a STATUS_UPDATE report.
func (r *DroneRegistry) UpdateStatus(sessionID string, coord grid.Coord, status DroneStatus, battery, speed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return fmt.Errorf("update_status %s: %w", sessionID, ErrDroneNotFound)
	}
	d.Coord = coord
	// The drone's self-reported status is written through as-is: a
	// STATUS_UPDATE can overwrite ON_MISSION bookkeeping the matcher set,
	// same as it can set IDLE. Callers that need the mission fields
	// (MissionID, MissionExpiry) left intact across a status report must
	// not rely on this method to preserve them.
	d.Status = status
	d.Battery = battery
	d.Speed = speed
	d.LastUpdate = at
	return nil
}

// MarkOnMission atomically transitions a drone to ON_MISSION with the
// given mission target, id and expiry.
func (r *DroneRegistry) MarkOnMission(sessionID string, target grid.Coord, missionID string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return fmt.Errorf("mark_on_mission %s: %w", sessionID, ErrDroneNotFound)
	}
	d.Status = OnMission
	d.Target = target
	d.MissionID = missionID
	d.MissionExpiry = expiry
	return nil
}

// MarkIdle atomically clears a drone's mission and returns it to IDLE.
func (r *DroneRegistry) MarkIdle(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return fmt.Errorf("mark_idle %s: %w", sessionID, ErrDroneNotFound)
	}
	d.Status = Idle
	d.Target = d.Coord
	d.MissionID = ""
	return nil
}

// MarkDisconnected transitions a drone to DISCONNECTED, frees its
// drone_id for reuse by a future HANDSHAKE, and removes the record from
// the registry. The returned record is the caller's only remaining
// handle on it; it is no longer addressable by session id.
func (r *DroneRegistry) MarkDisconnected(sessionID string) (*Drone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return nil, fmt.Errorf("mark_disconnected %s: %w", sessionID, ErrDroneNotFound)
	}
	d.Status = Disconnected
	delete(r.idSeen, d.ID)
	delete(r.bySess, sessionID)
	return d, nil
}

// FindClosestIdle returns the session id of the IDLE drone nearest to
// target by Manhattan distance, breaking ties by ascending drone id.
// Returns ok=false if no drone is IDLE.
func (r *DroneRegistry) FindClosestIdle(target grid.Coord) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Drone
	bestDist := 0
	for _, d := range r.bySess {
		if d.Status != Idle {
			continue
		}
		dist := d.Coord.Manhattan(target)
		switch {
		case best == nil:
			best, bestDist = d, dist
		case dist < bestDist:
			best, bestDist = d, dist
		case dist == bestDist && d.ID < best.ID:
			best, bestDist = d, dist
		}
	}
	if best == nil {
		return "", false
	}
	return best.SessionID, true
}

// Conn returns the outbound sender for a connected drone.
func (r *DroneRegistry) Conn(sessionID string) (OutboundSender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return nil, fmt.Errorf("conn %s: %w", sessionID, ErrDroneNotFound)
	}
	return d.conn, nil
}

// MissionOf returns the in-flight mission id and expiry for a drone, if
// it is ON_MISSION.
func (r *DroneRegistry) MissionOf(sessionID string) (missionID string, expiry time.Time, onMission bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok || d.Status != OnMission {
		return "", time.Time{}, false
	}
	return d.MissionID, d.MissionExpiry, true
}

// Snapshot returns a consistent, by-value read of every connected
// drone.
func (r *DroneRegistry) Snapshot() []DroneView {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]DroneView, 0, len(r.bySess))
	for _, d := range r.bySess {
		views = append(views, DroneView{ID: d.ID, Coord: d.Coord, Target: d.Target, Status: d.Status})
	}
	return views
}

// ExpiredMissions returns the session ids of every ON_MISSION drone
// whose mission expiry has passed as of now.
func (r *DroneRegistry) ExpiredMissions(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for sess, d := range r.bySess {
		if d.Status == OnMission && !d.MissionExpiry.IsZero() && now.After(d.MissionExpiry) {
			expired = append(expired, sess)
		}
	}
	return expired
}

// StaleSessions returns the session ids of every non-DISCONNECTED drone
// whose LastUpdate is older than timeout as of now — candidates for the
// heartbeat timer's liveness sweep.
func (r *DroneRegistry) StaleSessions(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []string
	for sess, d := range r.bySess {
		if now.Sub(d.LastUpdate) > timeout {
			stale = append(stale, sess)
		}
	}
	return stale
}

// AllConnected returns every currently connected (non-DISCONNECTED)
// session id, for the heartbeat timer's broadcast sweep.
func (r *DroneRegistry) AllConnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]string, 0, len(r.bySess))
	for sess := range r.bySess {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Touch updates LastUpdate for sessionID to at. Used for HEARTBEAT_RESPONSE
// and any other inbound traffic that should reset the liveness timer
// without otherwise mutating the drone.
func (r *DroneRegistry) Touch(sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySess[sessionID]
	if !ok {
		return fmt.Errorf("touch %s: %w", sessionID, ErrDroneNotFound)
	}
	d.LastUpdate = at
	return nil
}
