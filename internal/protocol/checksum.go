package protocol

import (
	"fmt"
	"hash/fnv"
	"time"
)

// missionChecksum fills the ASSIGN_MISSION checksum field with a
// deterministic, opaque short hash. No invariant depends on its value;
// a client is free to ignore it.
func missionChecksum(missionID string, target Target) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d|%d", missionID, target.X, target.Y)
	return fmt.Sprintf("%08x", h.Sum32())
}

// NewAssignMission builds the ASSIGN_MISSION message the matcher
// enqueues on a successful match, filling in the checksum and the
// "high"-priority default the wire format always uses.
func NewAssignMission(missionID string, target Target, expiry time.Time) AssignMission {
	return AssignMission{
		Type:      "ASSIGN_MISSION",
		MissionID: missionID,
		Priority:  "high",
		Target:    target,
		Expiry:    expiry.Unix(),
		Checksum:  missionChecksum(missionID, target),
	}
}
