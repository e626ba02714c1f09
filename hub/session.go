package hub

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxChannelNameLen is the longest accepted channel name in bytes.
const MaxChannelNameLen = 128

// UserChannelPrefix prefixes the private channel every user is joined to.
const UserChannelPrefix = "user:"

// Session is the identity attached to a connection once its credential has
// been verified. It never changes for the lifetime of the connection.
type Session struct {
	UserID   string
	Roles    []string
	TenantID string
}

// NewSession copies roles so callers cannot mutate the session afterwards.
func NewSession(userID string, roles []string, tenantID string) Session {
	return Session{
		UserID:   userID,
		Roles:    append([]string(nil), roles...),
		TenantID: tenantID,
	}
}

// HasRole reports whether the session carries role.
func (s Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ConnectionID uniquely identifies a live connection.
type ConnectionID string

func newConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (id ConnectionID) String() string {
	return string(id)
}

// ChannelName is a validated channel name.
type ChannelName string

// ParseChannelName trims raw and checks it only contains [A-Za-z0-9:_.-].
func ParseChannelName(raw string) (ChannelName, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", newError(CodeProtocol, "channel name is required")
	}
	if len(name) > MaxChannelNameLen {
		return "", newError(CodeProtocol, "channel name is too long")
	}
	for _, c := range name {
		if !validChannelRune(c) {
			return "", newError(CodeProtocol, fmt.Sprintf("channel name contains invalid character %q", c))
		}
	}
	return ChannelName(name), nil
}

func validChannelRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ':' || c == '_' || c == '-' || c == '.':
		return true
	}
	return false
}

// UserChannel returns the private channel for userID.
func UserChannel(userID string) ChannelName {
	return ChannelName(UserChannelPrefix + userID)
}

func (c ChannelName) String() string {
	return string(c)
}
