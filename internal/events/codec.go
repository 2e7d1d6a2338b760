package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	dmsync_errors "dmsync/pkg/errors"
)

// Envelope is the wire shape of every frame.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(t FrameType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

func EncodeClientFrame(f ClientFrame) ([]byte, error) {
	return encode(f.Type(), f)
}

func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return encode(f.Type(), f)
}

// MustEncodeServerFrame is EncodeServerFrame for frames built from plain
// strings and persisted rows, which always marshal.
func MustEncodeServerFrame(f ServerFrame) []byte {
	data, err := EncodeServerFrame(f)
	if err != nil {
		panic(err)
	}
	return data
}

func invalidFrame(reason string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", dmsync_errors.ErrInvalidFrame, fmt.Sprintf(reason, args...))
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, invalidFrame("malformed envelope: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, invalidFrame("missing type")
	}
	return env, nil
}

func decodePayload(env Envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return invalidFrame("%s: missing payload", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidFrame("%s: malformed payload: %v", env.Type, err)
	}
	return nil
}

// DecodeClientFrame parses and shape-checks a client frame. Unknown types
// and payloads with missing or unexpected fields are rejected.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case FrameTyping:
		var f TypingFrame
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if strings.TrimSpace(f.ToID) == "" {
			return nil, invalidFrame("typing: to_id is required")
		}
		return f, nil
	case FrameStopTyping:
		var f StopTypingFrame
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if strings.TrimSpace(f.ToID) == "" {
			return nil, invalidFrame("stop_typing: to_id is required")
		}
		return f, nil
	case FrameSendMessage:
		var f SendMessageFrame
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if strings.TrimSpace(f.ReceiverID) == "" {
			return nil, invalidFrame("send_message: receiver_id is required")
		}
		return f, nil
	case FramePing:
		return PingFrame{}, nil
	default:
		return nil, invalidFrame("unknown type %q", env.Type)
	}
}

// DecodeServerFrame parses a server frame on the client side.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case FrameTyping:
		var f TypingSignal
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.FromID == "" {
			return nil, invalidFrame("typing: from_id is required")
		}
		return f, nil
	case FrameStopTyping:
		var f StopTypingSignal
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.FromID == "" {
			return nil, invalidFrame("stop_typing: from_id is required")
		}
		return f, nil
	case FrameReceiveMessage:
		var f ReceiveMessage
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.Message.ID == 0 {
			return nil, invalidFrame("receive_message: message id is required")
		}
		return f, nil
	case FrameError:
		var f ErrorFrame
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FramePeerOffline:
		var f PeerOffline
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FramePong:
		return PongFrame{}, nil
	default:
		return nil, invalidFrame("unknown type %q", env.Type)
	}
}
