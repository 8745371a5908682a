package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string.
func NewID() string { return uuid.NewString() }

// NewMessageID builds an RFC 5322 message id (without angle brackets) whose
// right-hand side is the domain of the given address.
func NewMessageID(fromAddress string) string {
	domain := "mailagent.local"
	if at := strings.LastIndex(fromAddress, "@"); at >= 0 && at < len(fromAddress)-1 {
		domain = strings.Trim(fromAddress[at+1:], "<> ")
	}
	return uuid.NewString() + "@" + domain
}
