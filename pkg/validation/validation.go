package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateUserName checks a display name presented at token issuance.
func ValidateUserName(userName string) error {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return fmt.Errorf("user name is required")
	}
	if utf8.RuneCountInString(userName) > 64 {
		return fmt.Errorf("user name is too long (max 64 characters)")
	}
	return nil
}

// ValidateRoomName checks a room identifier from a join request.
func ValidateRoomName(roomName string) error {
	if roomName == "" {
		return fmt.Errorf("room name is required")
	}
	if len(roomName) > 100 {
		return fmt.Errorf("room name is too long (max 100 characters)")
	}
	if !roomNameRegex.MatchString(roomName) {
		return fmt.Errorf("room name may only contain letters, numbers, _ and -")
	}
	return nil
}
