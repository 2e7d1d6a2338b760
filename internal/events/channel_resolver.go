package events

import "strings"

// UserChannel is the Redis channel carrying frames for one user's room.
func UserChannel(userID string) string {
	return ChannelPrefixUser + userID
}

// UserFromChannel extracts the user id from a channel built by UserChannel.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ChannelPrefixUser) {
		return "", false
	}
	userID := strings.TrimPrefix(channel, ChannelPrefixUser)
	return userID, userID != ""
}
