package bolt

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type DBConversation struct {
	ID           string          `msgpack:"id"`
	PairKey      string          `msgpack:"pairKey"`
	CreatedAt    int64           `msgpack:"createdAt"`
	Participants []DBParticipant `msgpack:"participants"`
}

type DBParticipant struct {
	UserID   string `msgpack:"userId"`
	JoinedAt int64  `msgpack:"joinedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBMessage timestamps are unix nanoseconds.
type DBMessage struct {
	ID             int64  `msgpack:"id"`
	Timestamp      int64  `msgpack:"timestamp"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	ReceiverID     string `msgpack:"receiverId"`
	Content        string `msgpack:"content"`
}

// Key is the big-endian id, so cursor order is insertion order.
func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
