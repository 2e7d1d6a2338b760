package httpdto

import (
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
)

type MessageResponse struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func FromMessage(m message.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID.String(),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
	}
}

func FromMessages(msgs []message.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}

type PeerResponse struct {
	ConversationID string    `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	LastActivity   time.Time `json:"last_activity"`
}

func FromPeers(peers []conversation.Peer) []PeerResponse {
	out := make([]PeerResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerResponse{
			ConversationID: p.ConversationID.String(),
			PeerID:         p.PeerID,
			LastActivity:   p.LastActivity,
		})
	}
	return out
}
