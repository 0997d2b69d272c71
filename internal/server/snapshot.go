package server

import (
	"time"

	"github.com/framelink-project/framelink/internal/events"
)

// ParticipantInfo is a read-only view of one participant record.
type ParticipantInfo struct {
	Identity     uint64           `json:"identity"`
	Position     uint32           `json:"position"`
	State        ParticipantState `json:"state"`
	LoadComplete bool             `json:"load_complete"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// Counters are cumulative session statistics.
type Counters struct {
	Accepted         uint64 `json:"accepted"`
	Rejected         uint64 `json:"rejected"`
	Authenticated    uint64 `json:"authenticated"`
	AuthFailures     uint64 `json:"auth_failures"`
	Left             uint64 `json:"left"`
	Kicked           uint64 `json:"kicked"`
	Dropped          uint64 `json:"dropped"`
	SendFailures     uint64 `json:"send_failures"`
	Broadcasts       uint64 `json:"broadcasts"`
	SnapshotsSent    uint64 `json:"snapshots_sent"`
	SnapshotsDropped uint64 `json:"snapshots_dropped"`
	FramesFlushed    uint64 `json:"frames_flushed"`
	StartSkipped     bool   `json:"start_skipped"`
}

// Snapshot is a copy of the session state taken at the end of a tick. It is
// what the API and the console read; they never touch the session itself.
type Snapshot struct {
	SessionID     string            `json:"session_id"`
	Identity      uint64            `json:"identity"`
	Name          string            `json:"name"`
	Phase         events.MatchPhase `json:"phase"`
	MaxPlayers    int               `json:"max_players"`
	Pending       int               `json:"pending"`
	Active        int               `json:"active"`
	ReadyFired    bool              `json:"ready_fired"`
	StartConsumed bool              `json:"start_consumed"`
	FrameID       uint32            `json:"frame_id"`
	Participants  []ParticipantInfo `json:"participants"`
	Counters      Counters          `json:"counters"`
	Lag           LagStats          `json:"lag"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Participant returns the record for identity, if any.
func (s Snapshot) Participant(identity uint64) (ParticipantInfo, bool) {
	for _, p := range s.Participants {
		if p.Identity == identity {
			return p, true
		}
	}
	return ParticipantInfo{}, false
}
