package conversation

import "strings"

const pairSeparator = ":"

// NormalizePair orders two user ids so that (a,b) and (b,a) agree.
func NormalizePair(userA, userB string) (string, string) {
	if userA <= userB {
		return userA, userB
	}
	return userB, userA
}

// PairKey returns the storage key for an unordered pair of users.
func PairKey(userA, userB string) string {
	low, high := NormalizePair(userA, userB)
	return low + pairSeparator + high
}

// ValidPair reports whether two ids can form a direct conversation.
func ValidPair(userA, userB string) bool {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	return userA != "" && userB != "" && userA != userB
}
