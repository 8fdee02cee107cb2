package ptc

import (
	"fmt"
	"time"
)

// Protocol constants.
const (
	// DefaultProtocolNumber is the IPv4 protocol field carried by every frame.
	DefaultProtocolNumber = 202
	// MaxWindow is the largest window representable in the 16-bit header field.
	MaxWindow = 65535
	// MaxPayload is the largest payload that fits in a single frame.
	MaxPayload = 65535 - ipHeaderLen - innerHeaderLen
	// DefaultMSS keeps a frame within a typical Ethernet MTU.
	DefaultMSS = 1460

	// minBindPort and maxBindPort bound the ports picked for a zero-port bind.
	minBindPort = 1000
	maxBindPort = 60000
)

// Config holds the tunables of a socket and its connection.
// All timer values are expressed in clock ticks of ClockTick each.
type Config struct {
	// ClockTick is the wall-clock length of one tick.
	// Default: 10ms
	ClockTick time.Duration

	// ReceiveBufferSize is the capacity of the in-buffer and the initial
	// receive window, in bytes.
	// Default: 1024
	ReceiveBufferSize int

	// SendBufferSize is the capacity of the out-buffer. Send blocks while it
	// is full.
	// Default: 64 KiB
	SendBufferSize int

	// MSS is the maximum payload carried by one segment.
	// Default: 1460
	MSS int

	// MaxRetransmissionAttempts is the number of consecutive timeouts
	// tolerated before the connection is aborted.
	// Default: 12
	MaxRetransmissionAttempts int

	// BogusRTTRetransmissions is the number of consecutive timeouts after
	// which the RTT estimate is discarded.
	// Default: 3
	BogusRTTRetransmissions int

	// InitialRTO is the retransmission timeout before any RTT sample.
	// Default: 100 ticks (1s)
	InitialRTO int

	// MaxRTO caps the backed-off retransmission timeout.
	// Default: 6000 ticks (60s)
	MaxRTO int

	// ProtocolNumber is the IPv4 protocol number stamped on and expected in frames.
	// Default: 202
	ProtocolNumber int

	// TTL is the time-to-live of outgoing frames.
	// Default: 255
	TTL int

	// ReceiveTimeout bounds each transport receive so the receiver goroutine
	// notices shutdown.
	// Default: 500ms
	ReceiveTimeout time.Duration

	// CloseTimeout bounds a waiting Close. Zero waits indefinitely; when it
	// passes the connection is aborted and Close returns ErrTimeout.
	// Default: 0
	CloseTimeout time.Duration

	// AutoBind lets Listen, Accept and Connect bind an unbound socket to a
	// random port. When false they fail with ErrNotBound instead.
	// Default: true
	AutoBind bool

	// TCBCache, when set, shares RTT estimates between connections to the
	// same peer. A single cache may back any number of sockets.
	TCBCache *TCBCache

	// AccessList, when set, filters which sources may open a connection to
	// a listening socket.
	AccessList *AccessListConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ClockTick:                 10 * time.Millisecond,
		ReceiveBufferSize:         1024,
		SendBufferSize:            64 * 1024,
		MSS:                       DefaultMSS,
		MaxRetransmissionAttempts: 12,
		BogusRTTRetransmissions:   3,
		InitialRTO:                100,
		MaxRTO:                    6000,
		ProtocolNumber:            DefaultProtocolNumber,
		TTL:                       255,
		ReceiveTimeout:            500 * time.Millisecond,
		AutoBind:                  true,
	}
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	switch {
	case c.ClockTick <= 0:
		return fmt.Errorf("clock tick must be positive, got %v", c.ClockTick)
	case c.ReceiveBufferSize <= 0:
		return fmt.Errorf("receive buffer size must be positive, got %d", c.ReceiveBufferSize)
	case c.SendBufferSize <= 0:
		return fmt.Errorf("send buffer size must be positive, got %d", c.SendBufferSize)
	case c.MSS <= 0 || c.MSS > MaxPayload:
		return fmt.Errorf("MSS must be in [1, %d], got %d", MaxPayload, c.MSS)
	case c.MaxRetransmissionAttempts < 0:
		return fmt.Errorf("max retransmission attempts must not be negative, got %d", c.MaxRetransmissionAttempts)
	case c.BogusRTTRetransmissions < 0:
		return fmt.Errorf("bogus RTT retransmissions must not be negative, got %d", c.BogusRTTRetransmissions)
	case c.InitialRTO <= 0:
		return fmt.Errorf("initial RTO must be positive, got %d", c.InitialRTO)
	case c.MaxRTO < c.InitialRTO:
		return fmt.Errorf("max RTO %d below initial RTO %d", c.MaxRTO, c.InitialRTO)
	case c.ProtocolNumber < 0 || c.ProtocolNumber > 255:
		return fmt.Errorf("protocol number must be in [0, 255], got %d", c.ProtocolNumber)
	case c.TTL <= 0 || c.TTL > 255:
		return fmt.Errorf("TTL must be in [1, 255], got %d", c.TTL)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("receive timeout must be positive, got %v", c.ReceiveTimeout)
	case c.CloseTimeout < 0:
		return fmt.Errorf("close timeout must not be negative, got %v", c.CloseTimeout)
	}
	return nil
}
