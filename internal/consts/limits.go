package consts

import "time"

// Version is reported to clients in the Welcome message.
const Version = "0.1.0"

// WebSocket transport limits
const (
	// MaxMessageSize is the maximum message size allowed from a peer
	MaxMessageSize = 8192
	// ReadBufferSize is the WebSocket read buffer size
	ReadBufferSize = 1024
	// WriteBufferSize is the WebSocket write buffer size
	WriteBufferSize = 1024
)

// WebSocket liveness timing
const (
	// WriteWait is the time allowed to write a message to the peer
	WriteWait = 10 * time.Second
	// PongWait is the time allowed to read the next pong message from the peer
	PongWait = 60 * time.Second
	// PingPeriod is how often pings are sent; must be less than PongWait
	PingPeriod = (PongWait * 9) / 10
)

// Queue capacities
const (
	// DefaultOutboundQueue is the per-connection send queue capacity
	DefaultOutboundQueue = 64
	// DefaultEventBuffer is the host-to-server event buffer capacity
	DefaultEventBuffer = 256
	// DefaultCallQueue is the server-to-host command queue capacity
	DefaultCallQueue = 64
)

// Command handling limits
const (
	// MaxLookupChars bounds the text length accepted by lookup commands
	MaxLookupChars = 256
	// SubmitTimeout bounds the wait for space on the host call queue
	SubmitTimeout = 10 * time.Second
	// CommandTimeout bounds how long a command outcome may take end to end
	CommandTimeout = 30 * time.Second
)

// Server defaults
const (
	// DefaultHost is the default listen address
	DefaultHost = "localhost"
	// DefaultPort is the default listen port
	DefaultPort = 8086
	// DefaultMaxConnections caps the connection registry
	DefaultMaxConnections = 32
	// DefaultIdleTimeout reclaims connections with no inbound traffic
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultChallengeTTL is the window a client has to answer a challenge
	DefaultChallengeTTL = 10 * time.Second
	// DefaultDrainGrace bounds the shutdown flush of outbound queues
	DefaultDrainGrace = 5 * time.Second
)

// Authentication failure budget
const (
	// DefaultFailureBurst is how many failed proofs an origin may accumulate
	DefaultFailureBurst = 3
	// DefaultFailureRefill is how long it takes to earn back one attempt
	DefaultFailureRefill = time.Minute
)
