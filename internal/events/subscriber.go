package events

import "context"

// Publisher hands an encoded server frame to every connection of a user,
// wherever that connection lives.
type Publisher interface {
	PublishToUser(ctx context.Context, userID string, payload []byte) error
}

// Subscriber feeds frames addressed to users into handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(userID string, payload []byte)) error
}
