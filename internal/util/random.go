// Package util provides small helpers shared across ChatLab components.
package util

import (
	"math/rand/v2"
	"strings"
)

// Entity ID hex lengths. Sessions and messages get long IDs because they are
// exposed in URLs and exports; conditions and experiments are researcher-made
// and stay short enough to read in a flow editor.
const (
	longIDHexLength  = 32
	shortIDHexLength = 12
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified
// length. Uses math/rand/v2; these IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateSessionID generates a unique session ID with "sess_" prefix.
func GenerateSessionID() string {
	return GenerateRandomID("sess_", longIDHexLength)
}

// GenerateMessageID generates a unique message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", longIDHexLength)
}

// GenerateConditionID generates a unique condition ID with "cond_" prefix.
func GenerateConditionID() string {
	return GenerateRandomID("cond_", shortIDHexLength)
}

// GenerateExperimentID generates a unique experiment ID with "exp_" prefix.
func GenerateExperimentID() string {
	return GenerateRandomID("exp_", shortIDHexLength)
}
