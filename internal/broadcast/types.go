package broadcast

import (
	"fmt"
	"time"

	"hydra/internal/config"
)

const (
	// DefaultTimeout bounds one target attempt when the config omits it.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxInflight caps concurrent target deliveries across all
	// sessions when Config.MaxInflight is not set.
	DefaultMaxInflight = 1024
)

// Config tunes the broadcaster. The zero value means: no per-target timeout,
// no per-chunk limit and DefaultMaxInflight.
type Config struct {
	// Timeout bounds resolve+dial+write of one target attempt, counted from
	// when its delivery slot is acquired. 0 disables it.
	Timeout time.Duration
	// MaxConcurrency bounds the goroutines of a single Broadcast call.
	// 0 means one goroutine per target.
	MaxConcurrency int
	// MaxInflight bounds target deliveries in flight across all calls.
	MaxInflight int64
}

// Op names the step of a target attempt that failed.
type Op string

const (
	OpResolve Op = "resolve"
	OpDial    Op = "dial"
	OpWrite   Op = "write"
	OpTimeout Op = "timeout"
)

// TargetError is the failure of one target attempt.
type TargetError struct {
	Target config.Target
	Op     Op
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("broadcast to %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// Result summarizes one Broadcast call. Total always equals the number of
// targets passed in.
type Result struct {
	Total     int
	Delivered int
	Failed    int
	Failures  []TargetError
	Bytes     int
	Took      time.Duration
}

// OK reports whether every target received the payload.
func (r Result) OK() bool { return r.Failed == 0 }
