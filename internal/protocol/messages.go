package protocol

// Message is a typed message body with a registered tag.
type Message interface {
	Tag() MessageTag
}

// ServerSendInfo is the first message a server sends on a new connection.
type ServerSendInfo struct {
	ServerIdentity uint64 `cbor:"1,keyasint" json:"server_identity"`
	Secure         bool   `cbor:"2,keyasint" json:"secure"`
	Name           string `cbor:"3,keyasint" json:"name"`
}

// ServerFailAuthentication tells the client its ticket was rejected.
type ServerFailAuthentication struct{}

// ServerPassAuthentication admits the client with its player position.
type ServerPassAuthentication struct {
	PlayerPosition uint32 `cbor:"1,keyasint" json:"player_position"`
}

// ServerAllReadyToGo is broadcast once every seat is filled and validated.
type ServerAllReadyToGo struct{}

// ServerFrameData is one channel frame. It is the element type of the
// frame lists carried by ServerFramesData and ServerGameStart.
type ServerFrameData struct {
	ChannelType uint32 `cbor:"1,keyasint" json:"channel_type"`
	Payload     []byte `cbor:"2,keyasint" json:"payload"`
	Identity    uint64 `cbor:"3,keyasint" json:"identity"`
}

// ServerFramesData is the periodic snapshot of every participant's latest
// channel frames.
type ServerFramesData struct {
	ChannelFrames []ServerFrameData `cbor:"1,keyasint" json:"channel_frames"`
	BufferSize    uint32            `cbor:"2,keyasint" json:"buffer_size"`
	FrameID       uint32            `cbor:"3,keyasint" json:"frame_id"`
}

// ServerGameStart carries every participant's initial snapshot.
type ServerGameStart struct {
	ChannelFrames []ServerFrameData `cbor:"1,keyasint" json:"channel_frames"`
	BufferSize    uint32            `cbor:"2,keyasint" json:"buffer_size"`
}

// ServerSetGameStartDataComplete signals that start data collection ended.
type ServerSetGameStartDataComplete struct{}

// ServerBroadcast relays a client broadcast with the sender filled in by
// the server.
type ServerBroadcast struct {
	ChannelType uint32 `cbor:"1,keyasint" json:"channel_type"`
	Payload     []byte `cbor:"2,keyasint" json:"payload"`
	Sender      uint64 `cbor:"3,keyasint" json:"sender"`
}

// ClientBeginAuthentication presents an authentication ticket.
type ClientBeginAuthentication struct {
	Ticket []byte `cbor:"1,keyasint" json:"ticket"`
}

// ClientLoadComplete reports that the client finished loading.
type ClientLoadComplete struct{}

// ClientFrameData submits the latest payload for one channel. Channel 0
// carries the initial snapshot.
type ClientFrameData struct {
	ChannelType uint32 `cbor:"1,keyasint" json:"channel_type"`
	Payload     []byte `cbor:"2,keyasint" json:"payload"`
}

// ClientBroadcast asks the server to relay a payload to all participants.
type ClientBroadcast struct {
	ChannelType uint32 `cbor:"1,keyasint" json:"channel_type"`
	Payload     []byte `cbor:"2,keyasint" json:"payload"`
}

func (ServerSendInfo) Tag() MessageTag                 { return TagServerSendInfo }
func (ServerFailAuthentication) Tag() MessageTag       { return TagServerFailAuthentication }
func (ServerPassAuthentication) Tag() MessageTag       { return TagServerPassAuthentication }
func (ServerAllReadyToGo) Tag() MessageTag             { return TagServerAllReadyToGo }
func (ServerFrameData) Tag() MessageTag                { return TagServerFrameData }
func (ServerFramesData) Tag() MessageTag               { return TagServerFramesData }
func (ServerGameStart) Tag() MessageTag                { return TagServerGameStart }
func (ServerSetGameStartDataComplete) Tag() MessageTag { return TagServerSetGameStartDataComplete }
func (ServerBroadcast) Tag() MessageTag                { return TagServerBroadcast }
func (ClientBeginAuthentication) Tag() MessageTag      { return TagClientBeginAuthentication }
func (ClientLoadComplete) Tag() MessageTag             { return TagClientLoadComplete }
func (ClientFrameData) Tag() MessageTag                { return TagClientFrameData }
func (ClientBroadcast) Tag() MessageTag                { return TagClientBroadcast }
