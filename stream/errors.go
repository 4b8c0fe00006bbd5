package stream

import "fmt"

// TypeError is returned when a stream built with a nil transform receives an
// item that is not of the stream's element type.
type TypeError struct {
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("stream: unexpected item type %T", e.Value)
}
