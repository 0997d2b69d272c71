// Package frame implements the server-side frame state aggregator: a
// last-write-wins table of channel frames per participant, the one-shot
// start payload buffer, and the length-prefixed packing shared by both.
package frame

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/protocol"
)

// StartChannel is the reserved channel type for initial snapshots.
const StartChannel uint32 = 0

// ChannelFrame is the latest payload one participant submitted on one
// channel.
type ChannelFrame struct {
	ChannelType uint32
	Payload     []byte
	Identity    network.Identity
}

// AggregatedBuffer is a packed sequence of length-prefixed payloads.
type AggregatedBuffer struct {
	Data      []byte
	Count     int
	TotalSize int
}

// Empty reports whether the buffer holds no entries.
func (b AggregatedBuffer) Empty() bool {
	return b.Count == 0
}

type channelTable struct {
	identity network.Identity
	frames   []ChannelFrame
}

type startEntry struct {
	identity network.Identity
	payload  []byte
}

// Aggregator holds the channel table and the start payload for one
// session. It is not safe for concurrent use.
type Aggregator struct {
	tables []*channelTable
	start  []startEntry

	// totalSize is the byte count Pack must produce: every start payload
	// plus a 2-byte prefix per entry.
	totalSize int

	logger zerolog.Logger
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		logger: log.With().Str("component", "frame_aggregator").Logger(),
	}
}

// SubmitChannel records payload as the latest frame for (identity, channel).
// The first submission for a pair appends a slot; later submissions
// overwrite it in place.
func (a *Aggregator) SubmitChannel(identity network.Identity, channel uint32, payload []byte) {
	table := a.table(identity)
	for i := range table.frames {
		if table.frames[i].ChannelType == channel {
			table.frames[i].Payload = payload
			return
		}
	}
	table.frames = append(table.frames, ChannelFrame{
		ChannelType: channel,
		Payload:     payload,
		Identity:    identity,
	})
}

func (a *Aggregator) table(identity network.Identity) *channelTable {
	for _, t := range a.tables {
		if t.identity == identity {
			return t
		}
	}
	t := &channelTable{identity: identity}
	a.tables = append(a.tables, t)
	return t
}

// SubmitStart records payload as identity's initial snapshot, replacing any
// earlier one.
func (a *Aggregator) SubmitStart(identity network.Identity, payload []byte) {
	for i := range a.start {
		if a.start[i].identity == identity {
			a.totalSize += len(payload) - len(a.start[i].payload)
			a.start[i].payload = payload
			return
		}
	}
	a.start = append(a.start, startEntry{identity: identity, payload: payload})
	a.totalSize += len(payload) + protocol.LengthPrefixSize
}

// TotalSize returns the packed size of the current start payload.
func (a *Aggregator) TotalSize() int {
	return a.totalSize
}

// StartCount returns the number of participants with an initial snapshot.
func (a *Aggregator) StartCount() int {
	return len(a.start)
}

// StartFrames returns the initial snapshots in first-submission order.
func (a *Aggregator) StartFrames() []ChannelFrame {
	frames := make([]ChannelFrame, 0, len(a.start))
	for _, e := range a.start {
		frames = append(frames, ChannelFrame{
			ChannelType: StartChannel,
			Payload:     e.payload,
			Identity:    e.identity,
		})
	}
	return frames
}

// Pack serializes the start payload. When the written size disagrees with
// TotalSize the start state is corrupt: Pack resets it and returns an empty
// buffer.
func (a *Aggregator) Pack() AggregatedBuffer {
	b := protocol.NewPacketBuilder(a.totalSize)
	ok := true
	for _, e := range a.start {
		if !b.WriteEntry(e.payload) {
			ok = false
			break
		}
	}

	if !ok || b.Len() != a.totalSize {
		a.logger.Error().
			Int("written", b.Len()).
			Int("expected", a.totalSize).
			Int("entries", len(a.start)).
			Msg("start payload size mismatch, resetting")
		a.ResetStart()
		return AggregatedBuffer{}
	}

	return AggregatedBuffer{
		Data:      b.Build(),
		Count:     len(a.start),
		TotalSize: a.totalSize,
	}
}

// ResetStart discards every initial snapshot.
func (a *Aggregator) ResetStart() {
	a.start = nil
	a.totalSize = 0
}

// FlushChannels drains every channel frame held for identity.
func (a *Aggregator) FlushChannels(identity network.Identity) []ChannelFrame {
	for i, t := range a.tables {
		if t.identity == identity {
			a.tables = append(a.tables[:i], a.tables[i+1:]...)
			return t.frames
		}
	}
	return nil
}

// FlushAll drains every channel frame, grouped by identity in
// first-submission order.
func (a *Aggregator) FlushAll() []ChannelFrame {
	var frames []ChannelFrame
	for _, t := range a.tables {
		frames = append(frames, t.frames...)
	}
	a.tables = nil
	return frames
}

// PendingFrames returns the number of channel frames waiting for a flush.
func (a *Aggregator) PendingFrames() int {
	n := 0
	for _, t := range a.tables {
		n += len(t.frames)
	}
	return n
}
