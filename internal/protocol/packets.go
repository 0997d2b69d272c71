// Package protocol implements the framelink message codec. Every message
// on the wire is a 4-byte little-endian tag followed by a CBOR body whose
// schema is fixed per tag.
package protocol

import "fmt"

// MessageTag identifies the schema of a message body.
type MessageTag int32

// Message tags. Server-origin tags live in 300-399, client-origin tags in
// 500-599. Values are part of the wire format and never change.
const (
	TagError MessageTag = -1

	TagBegin  MessageTag = 0
	TagServer MessageTag = 1
	TagClient MessageTag = 2

	TagServerBegin                    MessageTag = 300
	TagServerSendInfo                 MessageTag = 301 // server identity, secure flag, name
	TagServerFailAuthentication       MessageTag = 302
	TagServerPassAuthentication       MessageTag = 303 // assigned player position
	TagServerAllReadyToGo             MessageTag = 304
	TagServerFrameData                MessageTag = 305 // single channel frame
	TagServerFramesData               MessageTag = 306 // periodic snapshot
	TagServerGameStart                MessageTag = 307 // one-shot start payload
	TagServerSetGameStartDataComplete MessageTag = 308
	TagServerBroadcast                MessageTag = 309

	TagClientBegin               MessageTag = 500
	TagClientBeginAuthentication MessageTag = 502
	TagClientLoadComplete        MessageTag = 503
	TagClientFrameData           MessageTag = 504
	TagClientBroadcast           MessageTag = 505

	TagP2PBegin       MessageTag = 600
	TagVoiceChatBegin MessageTag = 700
)

// TagSize is the size of the tag prefix in bytes.
const TagSize = 4

var tagNames = map[MessageTag]string{
	TagError:                          "error",
	TagBegin:                          "begin",
	TagServer:                         "server",
	TagClient:                         "client",
	TagServerBegin:                    "server_begin",
	TagServerSendInfo:                 "server_send_info",
	TagServerFailAuthentication:       "server_fail_authentication",
	TagServerPassAuthentication:       "server_pass_authentication",
	TagServerAllReadyToGo:             "server_all_ready_to_go",
	TagServerFrameData:                "server_frame_data",
	TagServerFramesData:               "server_frames_data",
	TagServerGameStart:                "server_game_start",
	TagServerSetGameStartDataComplete: "server_set_game_start_data_complete",
	TagServerBroadcast:                "server_broadcast",
	TagClientBegin:                    "client_begin",
	TagClientBeginAuthentication:      "client_begin_authentication",
	TagClientLoadComplete:             "client_load_complete",
	TagClientFrameData:                "client_frame_data",
	TagClientBroadcast:                "client_broadcast",
	TagP2PBegin:                       "p2p_begin",
	TagVoiceChatBegin:                 "voice_chat_begin",
}

// String returns the snake_case name of the tag.
func (t MessageTag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", int32(t))
}

// Known reports whether the tag belongs to the tag space.
func (t MessageTag) Known() bool {
	if t == TagError {
		return false
	}
	_, ok := tagNames[t]
	return ok
}

// ServerOrigin reports whether the tag is sent by servers.
func (t MessageTag) ServerOrigin() bool {
	return t > TagServerBegin && t < TagClientBegin
}

// ClientOrigin reports whether the tag is sent by clients.
func (t MessageTag) ClientOrigin() bool {
	return t > TagClientBegin && t < TagP2PBegin
}
