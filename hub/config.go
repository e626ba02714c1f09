package hub

import "fmt"

// Config bounds the resources the hub hands out.
type Config struct {
	MaxConnections           int  `env:"REALTIME_MAX_CONNECTIONS,default=10000"`
	MaxChannelsPerConnection int  `env:"REALTIME_MAX_CHANNELS_PER_CONNECTION,default=100"`
	OutboundQueueSize        int  `env:"REALTIME_OUTBOUND_QUEUE_SIZE,default=256"`
	MailboxSize              int  `env:"REALTIME_MAILBOX_SIZE,default=4096"`
	EmitRatePerSec           int  `env:"REALTIME_EMIT_RATE_PER_SEC,default=100"`
	JoinRatePerSec           int  `env:"REALTIME_JOIN_RATE_PER_SEC,default=50"`
	EchoToSender             bool `env:"REALTIME_ECHO_TO_SENDER,default=true"`
	AutoJoinUserChannel      bool `env:"REALTIME_AUTO_JOIN_USER_CHANNEL,default=true"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConnections:           10000,
		MaxChannelsPerConnection: 100,
		OutboundQueueSize:        256,
		MailboxSize:              4096,
		EmitRatePerSec:           100,
		JoinRatePerSec:           50,
		EchoToSender:             true,
		AutoJoinUserChannel:      true,
	}
}

// Validate rejects sizes the hub cannot work with. A zero rate disables
// rate limiting for that command.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxChannelsPerConnection <= 0 {
		return fmt.Errorf("max channels per connection must be positive, got %d", c.MaxChannelsPerConnection)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound queue size must be positive, got %d", c.OutboundQueueSize)
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox size must be positive, got %d", c.MailboxSize)
	}
	if c.EmitRatePerSec < 0 || c.JoinRatePerSec < 0 {
		return fmt.Errorf("rates must not be negative")
	}
	return nil
}
