package hub

import (
	"context"
	"strings"
)

// TokenVerifier turns an opaque credential into a Session. Implementations
// are called concurrently from many handshakes and may block.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (Session, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, credential string) (Session, error)

func (f TokenVerifierFunc) Verify(ctx context.Context, credential string) (Session, error) {
	return f(ctx, credential)
}

// ChannelPolicy authorizes join and emit. The hub calls it from its own
// goroutine while processing a command, so implementations must be safe for
// concurrent use with any outside state they read and must not block.
type ChannelPolicy interface {
	CanJoin(s Session, channel ChannelName) bool
	CanEmit(s Session, channel ChannelName, event string) bool
}

// EchoPolicy can be implemented by a ChannelPolicy to decide per event
// whether the sender receives its own emit.
type EchoPolicy interface {
	Echo(s Session, channel ChannelName, event string) bool
}

// AllowAll permits every join and every non-empty event.
type AllowAll struct{}

func (AllowAll) CanJoin(Session, ChannelName) bool { return true }

func (AllowAll) CanEmit(_ Session, _ ChannelName, event string) bool {
	return strings.TrimSpace(event) != ""
}

// AdminRole grants access to admin: channels and other users' private channels.
const AdminRole = "admin"

// DefaultPolicy restricts user:<id> channels to their owner and admin:
// channels to the admin role. Everything else is open.
type DefaultPolicy struct{}

func (DefaultPolicy) CanJoin(s Session, channel ChannelName) bool {
	return allowedChannel(s, channel)
}

func (DefaultPolicy) CanEmit(s Session, channel ChannelName, event string) bool {
	if strings.TrimSpace(event) == "" {
		return false
	}
	return allowedChannel(s, channel)
}

func allowedChannel(s Session, channel ChannelName) bool {
	name := channel.String()
	if owner, ok := strings.CutPrefix(name, UserChannelPrefix); ok {
		return owner == s.UserID || s.HasRole(AdminRole)
	}
	if strings.HasPrefix(name, "admin:") {
		return s.HasRole(AdminRole)
	}
	return true
}
