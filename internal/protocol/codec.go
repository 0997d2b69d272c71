package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrShortFrame    = errors.New("frame shorter than tag prefix")
	ErrUnknownTag    = errors.New("unknown message tag")
	ErrNoSchema      = errors.New("message tag has no body schema")
	ErrMalformedBody = errors.New("malformed message body")
	ErrUnregistered  = errors.New("message type is not registered")
)

// encMode uses Core Deterministic Encoding so the same message always
// produces identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so peers may add fields to a body.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode prefixes body with the little-endian tag.
func Encode(tag MessageTag, body []byte) []byte {
	frame := make([]byte, TagSize+len(body))
	binary.LittleEndian.PutUint32(frame[:TagSize], uint32(tag))
	copy(frame[TagSize:], body)
	return frame
}

// Decode splits a frame into its tag and body. Frames shorter than the
// tag prefix and tags outside the tag space decode to TagError with a nil
// body. The returned body aliases frame.
func Decode(frame []byte) (MessageTag, []byte) {
	if len(frame) < TagSize {
		return TagError, nil
	}

	tag := MessageTag(int32(binary.LittleEndian.Uint32(frame[:TagSize])))
	if !tag.Known() {
		return TagError, nil
	}

	return tag, frame[TagSize:]
}

// Marshal encodes a registered message into a complete frame.
func Marshal(msg Message) ([]byte, error) {
	tag, ok := messages.tagOf(msg)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregistered, msg)
	}

	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", tag, err)
	}

	return Encode(tag, body), nil
}

// Unmarshal decodes a complete frame into its registered message type.
func Unmarshal(frame []byte) (Message, error) {
	if len(frame) < TagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}

	tag, body := Decode(frame)
	if tag == TagError {
		raw := int32(binary.LittleEndian.Uint32(frame[:TagSize]))
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, raw)
	}

	typ, ok := messages.typeOf(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSchema, tag)
	}

	ptr := reflect.New(typ)
	if len(body) == 0 && typ.NumField() == 0 {
		return ptr.Elem().Interface().(Message), nil
	}

	if err := decMode.Unmarshal(body, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedBody, tag, err)
	}

	return ptr.Elem().Interface().(Message), nil
}

// ErrorKind classifies an Unmarshal error for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrShortFrame):
		return "short_frame"
	case errors.Is(err, ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(err, ErrNoSchema):
		return "no_schema"
	default:
		return "malformed_body"
	}
}
