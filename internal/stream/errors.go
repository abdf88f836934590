package stream

import "fmt"

// Stage names the step of a streaming session that failed.
type Stage string

const (
	StageAuthorize Stage = "authorize"
	StageSubscribe Stage = "subscribe"
	StageConsume   Stage = "consume"
)

// Error reports a streaming session that ended in the errored state.
type Error struct {
	Topic string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %q: %s: %v", e.Topic, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
