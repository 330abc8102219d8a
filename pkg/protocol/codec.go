package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Channel names multiplexed over the single transport stream.
const (
	ChannelControl = "control"
	ChannelRPC     = "rpc"
)

// ErrInvalidEnvelope indicates input that cannot be parsed into exactly one
// envelope: an unsupported raw shape, bad flat-tree syntax, or a decoded
// value missing the channel/payload keys.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// UnknownChannelError indicates an envelope whose channel is neither
// control nor rpc.
type UnknownChannelError struct {
	Channel string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel %q", e.Channel)
}

// Envelope is the unit on the wire: a channel tag plus an opaque payload.
type Envelope struct {
	Channel string
	Payload any
}

// Encode serializes one envelope into a utf-8 text frame. The payload may
// contain cycles; encoding is deterministic.
func Encode(channel string, payload any) (string, error) {
	if channel != ChannelControl && channel != ChannelRPC {
		return "", &UnknownChannelError{Channel: channel}
	}
	return Flatten(map[string]any{
		"channel": channel,
		"payload": payload,
	})
}

// Decode parses one frame into an envelope. Raw may be a string, a byte
// buffer, a view into a larger buffer, or an ordered sequence of those
// concatenated into a single frame. Any other shape fails with
// ErrInvalidEnvelope.
func Decode(raw any) (*Envelope, error) {
	text, err := coerceFrame(raw)
	if err != nil {
		return nil, err
	}

	value, err := Unflatten(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: frame is not an object", ErrInvalidEnvelope)
	}
	channelValue, hasChannel := obj["channel"]
	payload, hasPayload := obj["payload"]
	if !hasChannel || !hasPayload {
		return nil, fmt.Errorf("%w: missing channel or payload", ErrInvalidEnvelope)
	}
	channel, ok := channelValue.(string)
	if !ok {
		return nil, fmt.Errorf("%w: channel is not a string", ErrInvalidEnvelope)
	}
	if channel != ChannelControl && channel != ChannelRPC {
		return nil, &UnknownChannelError{Channel: channel}
	}
	return &Envelope{Channel: channel, Payload: payload}, nil
}

// coerceFrame normalizes the accepted raw input shapes to one string.
func coerceFrame(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case []string:
		return strings.Join(t, ""), nil
	case [][]byte:
		var sb strings.Builder
		for _, chunk := range t {
			sb.Write(chunk)
		}
		return sb.String(), nil
	case []any:
		var sb strings.Builder
		for _, chunk := range t {
			switch c := chunk.(type) {
			case string:
				sb.WriteString(c)
			case []byte:
				sb.Write(c)
			default:
				return "", fmt.Errorf("%w: unsupported chunk type %T", ErrInvalidEnvelope, chunk)
			}
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: unsupported input type %T", ErrInvalidEnvelope, raw)
	}
}
