package protocol

import (
	"fmt"
	"reflect"
)

// registry maps every message variant to exactly one tag and back.
type registry struct {
	byTag  map[MessageTag]reflect.Type
	byType map[reflect.Type]MessageTag
}

// messages is the process-wide registry. Construction panics on a
// duplicate or out-of-range tag so a bad table never reaches the wire.
var messages = newRegistry(
	ServerSendInfo{},
	ServerFailAuthentication{},
	ServerPassAuthentication{},
	ServerAllReadyToGo{},
	ServerFrameData{},
	ServerFramesData{},
	ServerGameStart{},
	ServerSetGameStartDataComplete{},
	ServerBroadcast{},
	ClientBeginAuthentication{},
	ClientLoadComplete{},
	ClientFrameData{},
	ClientBroadcast{},
)

func newRegistry(variants ...Message) *registry {
	r := &registry{
		byTag:  make(map[MessageTag]reflect.Type, len(variants)),
		byType: make(map[reflect.Type]MessageTag, len(variants)),
	}

	for _, v := range variants {
		typ := reflect.TypeOf(v)
		tag := v.Tag()

		if !tag.ServerOrigin() && !tag.ClientOrigin() {
			panic(fmt.Sprintf("protocol: %s registered with tag %d outside the message ranges", typ, tag))
		}
		if prev, ok := r.byTag[tag]; ok {
			panic(fmt.Sprintf("protocol: tag %s registered by both %s and %s", tag, prev, typ))
		}
		if prev, ok := r.byType[typ]; ok {
			panic(fmt.Sprintf("protocol: %s registered under both %s and %s", typ, prev, tag))
		}

		r.byTag[tag] = typ
		r.byType[typ] = tag
	}

	return r
}

func (r *registry) typeOf(tag MessageTag) (reflect.Type, bool) {
	typ, ok := r.byTag[tag]
	return typ, ok
}

func (r *registry) tagOf(msg Message) (MessageTag, bool) {
	tag, ok := r.byType[reflect.TypeOf(msg)]
	return tag, ok
}
