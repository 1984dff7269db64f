// Package common provides things used by various other components
package common

import (
	"time"
)

var (
	// DefaultEngineTimeout bounds a single call to an execution engine when no timeout is configured
	DefaultEngineTimeout = 1000 * time.Millisecond

	// DefaultShutdownTimeout bounds the graceful http server shutdown
	DefaultShutdownTimeout = 5 * time.Second
)

// PayloadSource names the engine a delivered payload came from
type PayloadSource string

const (
	PayloadSourceLocal   PayloadSource = "local"
	PayloadSourceBuilder PayloadSource = "builder"
)

func (s PayloadSource) String() string {
	return string(s)
}
