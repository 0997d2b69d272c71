package client

import "github.com/framelink-project/framelink/internal/network"

// ConnectionState is how far the client got with the server it is talking
// to.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	PendingAuthentication
	Authenticated
)

var connectionStateStrings = map[ConnectionState]string{
	NotConnected:          "not_connected",
	PendingAuthentication: "pending_authentication",
	Authenticated:         "authenticated",
}

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnectionState as a JSON string.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// SessionPhase is where the client is in looking for a match.
type SessionPhase int

const (
	PhaseFree SessionPhase = iota
	PhaseInLobby
	PhaseConnecting
)

var sessionPhaseStrings = map[SessionPhase]string{
	PhaseFree:       "free",
	PhaseInLobby:    "in_lobby",
	PhaseConnecting: "connecting",
}

// String returns the string representation of SessionPhase.
func (p SessionPhase) String() string {
	if str, ok := sessionPhaseStrings[p]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes SessionPhase as a JSON string.
func (p SessionPhase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// FramesUpdate is one periodic snapshot, packed as length-prefixed entries.
type FramesUpdate struct {
	Buffer  []byte
	Count   int
	FrameID uint32
}

// GameStart carries every participant's initial snapshot.
type GameStart struct {
	Buffer []byte
	Count  int
}

// Broadcast is a payload another participant asked the server to relay.
type Broadcast struct {
	ChannelType uint32
	Payload     []byte
	Sender      network.Identity
}

// Handler receives the application-level signals of a session. Callbacks
// run on the goroutine that ticks the session, after its lock is released,
// so they may call back into the session.
type Handler interface {
	OnAuthenticated(position uint32)
	OnAllReadyToGo()
	OnGameStart(start GameStart)
	OnGameStartDataComplete()
	OnFrames(update FramesUpdate)
	OnBroadcast(b Broadcast)
	OnDisconnected(end network.EndInfo)
}

// NopHandler ignores every signal. Embed it to implement only some.
type NopHandler struct{}

func (NopHandler) OnAuthenticated(uint32)         {}
func (NopHandler) OnAllReadyToGo()                {}
func (NopHandler) OnGameStart(GameStart)          {}
func (NopHandler) OnGameStartDataComplete()       {}
func (NopHandler) OnFrames(FramesUpdate)          {}
func (NopHandler) OnBroadcast(Broadcast)          {}
func (NopHandler) OnDisconnected(network.EndInfo) {}

// Counters are cumulative client statistics.
type Counters struct {
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	Sent         uint64 `json:"sent"`
	SendFailures uint64 `json:"send_failures"`
	Snapshots    uint64 `json:"snapshots"`
	LastFrameID  uint32 `json:"last_frame_id"`
}

// Status is a copy of the client state.
type Status struct {
	Identity   uint64          `json:"identity"`
	Server     uint64          `json:"server"`
	ServerName string          `json:"server_name,omitempty"`
	Secure     bool            `json:"secure"`
	State      ConnectionState `json:"state"`
	Phase      SessionPhase    `json:"phase"`
	Position   uint32          `json:"position"`
	Counters   Counters        `json:"counters"`
}
