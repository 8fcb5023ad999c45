package engine

import "errors"

var (
	// ErrAlreadyCreated is returned by Create while another Engine instance
	// is still live.
	ErrAlreadyCreated = errors.New("engine: an instance is already live")

	// ErrDestroyed is returned when operating on an Engine after Destroy.
	ErrDestroyed = errors.New("engine: instance has been destroyed")

	// ErrNoTransport is returned by Create when no cluster transport is
	// supplied.
	ErrNoTransport = errors.New("engine: no transport supplied")

	// ErrFatal marks a callback error as unrecoverable. Wrap it (fmt.Errorf
	// with %w) to make the render loop shut down after the current frame
	// completes; any other callback error is logged and the loop continues.
	ErrFatal = errors.New("engine: fatal error")
)
