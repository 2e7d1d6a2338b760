package message

import "sort"

// SortCanonical orders messages by (timestamp, id) ascending in place.
func SortCanonical(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
}

// InsertCanonical inserts m into a canonically sorted slice, returning the
// new slice and false when a message with the same id is already present.
func InsertCanonical(messages []Message, m Message) ([]Message, bool) {
	for _, existing := range messages {
		if existing.ID == m.ID {
			return messages, false
		}
	}
	idx := sort.Search(len(messages), func(i int) bool {
		return m.Before(messages[i])
	})
	messages = append(messages, Message{})
	copy(messages[idx+1:], messages[idx:])
	messages[idx] = m
	return messages, true
}
