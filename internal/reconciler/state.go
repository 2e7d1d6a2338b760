package reconciler

import (
	"time"

	"dmsync/internal/domain/message"
)

// TypingState is the local side of the typing indicator.
type TypingState int

const (
	Idle TypingState = iota
	Typing
)

func (s TypingState) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Pending is a message handed to the transport but not yet confirmed by a
// receive_message. Failed entries keep their text for a manual resend.
// MaybeDelivered is set on a failed entry when history later shows a
// message from self with the same content; the entry stays resendable.
type Pending struct {
	ClientRef      string
	PeerID         string
	Content        string
	CreatedAt      time.Time
	Failed         bool
	MaybeDelivered bool
	Error          string
}

// PeerSummary is one row of the peer list.
type PeerSummary struct {
	PeerID      string
	Unread      int
	Typing      bool
	LastMessage *message.Message
}

// Snapshot is an immutable view of reconciler state. Version increases with
// every mutation so observers can drop stale snapshots.
type Snapshot struct {
	Version     uint64
	Self        string
	OpenPeer    string
	Peers       []PeerSummary
	Timeline    []message.Message
	Pending     []Pending
	LocalTyping TypingState
	LastError   string
}

// Peer returns the summary for peerID and whether it is listed.
func (s Snapshot) Peer(peerID string) (PeerSummary, bool) {
	for _, p := range s.Peers {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return PeerSummary{}, false
}

// Rank returns peerID's position in the peer list, or -1.
func (s Snapshot) Rank(peerID string) int {
	for i, p := range s.Peers {
		if p.PeerID == peerID {
			return i
		}
	}
	return -1
}

type peerState struct {
	timeline     []message.Message
	unread       int
	remoteTyping bool
	loaded       bool
	stale        bool
}
