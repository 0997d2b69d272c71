package frame

import (
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/protocol"
)

// PackFrames packs wire frames into an AggregatedBuffer. payloadSize is the
// sum of payload lengths announced by the sender; if the frames do not add
// up to it the buffer is corrupt and an empty buffer is returned. Nothing is
// allocated from the announced size.
func PackFrames(frames []protocol.ServerFrameData, payloadSize uint32) AggregatedBuffer {
	var sum uint64
	for _, f := range frames {
		if len(f.Payload) > protocol.MaxEntrySize {
			return AggregatedBuffer{}
		}
		sum += uint64(len(f.Payload))
	}
	if sum != uint64(payloadSize) {
		return AggregatedBuffer{}
	}

	want := int(sum) + len(frames)*protocol.LengthPrefixSize
	b := protocol.NewPacketBuilder(want)
	for _, f := range frames {
		b.WriteEntry(f.Payload)
	}

	return AggregatedBuffer{
		Data:      b.Build(),
		Count:     len(frames),
		TotalSize: want,
	}
}

// Unpack splits an AggregatedBuffer back into its payloads.
func Unpack(buf AggregatedBuffer) ([][]byte, error) {
	return protocol.ReadEntries(buf.Data)
}

// PayloadSize sums the payload lengths of frames.
func PayloadSize(frames []ChannelFrame) uint32 {
	var n uint32
	for _, f := range frames {
		n += uint32(len(f.Payload))
	}
	return n
}

// ToWire converts frames to their wire representation.
func ToWire(frames []ChannelFrame) []protocol.ServerFrameData {
	out := make([]protocol.ServerFrameData, 0, len(frames))
	for _, f := range frames {
		out = append(out, protocol.ServerFrameData{
			ChannelType: f.ChannelType,
			Payload:     f.Payload,
			Identity:    uint64(f.Identity),
		})
	}
	return out
}

// FromWire converts wire frames to ChannelFrames.
func FromWire(frames []protocol.ServerFrameData) []ChannelFrame {
	out := make([]ChannelFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, ChannelFrame{
			ChannelType: f.ChannelType,
			Payload:     f.Payload,
			Identity:    network.Identity(f.Identity),
		})
	}
	return out
}
