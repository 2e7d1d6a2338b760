package events

import "dmsync/internal/domain/message"

// FrameType discriminates websocket frames on the wire.
type FrameType string

const (
	FrameTyping         FrameType = "typing"
	FrameStopTyping     FrameType = "stop_typing"
	FrameSendMessage    FrameType = "send_message"
	FrameReceiveMessage FrameType = "receive_message"
	FrameError          FrameType = "error"
	FramePeerOffline    FrameType = "peer_offline"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
)

// Error codes carried by ErrorFrame.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeIdentitySpoof = "IDENTITY_SPOOF"
	CodePersistence   = "PERSISTENCE_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInvalidFrame  = "INVALID_FRAME"
)

// ClientFrame is one of the frames a client may send. The set is closed:
// only types in this package implement it.
type ClientFrame interface {
	Type() FrameType
	clientFrame()
}

// ServerFrame is one of the frames the server may send.
type ServerFrame interface {
	Type() FrameType
	serverFrame()
}

// TypingFrame announces that the sender started typing to ToID. FromID is
// advisory and is checked against the authenticated identity when present.
type TypingFrame struct {
	ToID   string `json:"to_id"`
	FromID string `json:"from_id,omitempty"`
}

// StopTypingFrame announces that the sender stopped typing to ToID.
type StopTypingFrame struct {
	ToID   string `json:"to_id"`
	FromID string `json:"from_id,omitempty"`
}

// SendMessageFrame asks the server to persist and fan out a message.
type SendMessageFrame struct {
	SenderID     string `json:"sender_id"`
	ReceiverID   string `json:"receiver_id"`
	Text         string `json:"text"`
	SenderAvatar string `json:"sender_avatar,omitempty"`
	ClientRef    string `json:"client_ref,omitempty"`
}

type PingFrame struct{}

// TypingSignal is the relayed form of TypingFrame.
type TypingSignal struct {
	FromID string `json:"from_id"`
}

// StopTypingSignal is the relayed form of StopTypingFrame.
type StopTypingSignal struct {
	FromID string `json:"from_id"`
}

// ReceiveMessage carries a persisted message to both participants.
type ReceiveMessage struct {
	Message   message.Message `json:"message"`
	ClientRef string          `json:"client_ref,omitempty"`
}

// ErrorFrame is sent to the originating connection only.
type ErrorFrame struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

// PeerOffline tells a client that FromID lost its last connection, so any
// typing indicator for it is stale.
type PeerOffline struct {
	FromID string `json:"from_id"`
}

type PongFrame struct{}

func (TypingFrame) Type() FrameType      { return FrameTyping }
func (StopTypingFrame) Type() FrameType  { return FrameStopTyping }
func (SendMessageFrame) Type() FrameType { return FrameSendMessage }
func (PingFrame) Type() FrameType        { return FramePing }

func (TypingFrame) clientFrame()      {}
func (StopTypingFrame) clientFrame()  {}
func (SendMessageFrame) clientFrame() {}
func (PingFrame) clientFrame()        {}

func (TypingSignal) Type() FrameType     { return FrameTyping }
func (StopTypingSignal) Type() FrameType { return FrameStopTyping }
func (ReceiveMessage) Type() FrameType   { return FrameReceiveMessage }
func (ErrorFrame) Type() FrameType       { return FrameError }
func (PeerOffline) Type() FrameType      { return FramePeerOffline }
func (PongFrame) Type() FrameType        { return FramePong }

func (TypingSignal) serverFrame()     {}
func (StopTypingSignal) serverFrame() {}
func (ReceiveMessage) serverFrame()   {}
func (ErrorFrame) serverFrame()       {}
func (PeerOffline) serverFrame()      {}
func (PongFrame) serverFrame()        {}

// Redis channel prefixes
const (
	ChannelPrefixUser = "channel:user:"
)
