package network

import "time"

const (
	DefaultHost         = "0.0.0.0"
	DefaultMaxFrameSize = 1024 * 1024 // 1MB
	DefaultDialAttempts = 3
	DefaultDialDelay    = 500 * time.Millisecond
	dialTimeout         = 30 * time.Second
	maxAcceptBackoff    = time.Second
)
