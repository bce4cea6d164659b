package ethereum

import (
	"errors"
	"fmt"
)

// ErrDropped indicates a submitted transaction that is no longer observable
// in the pending pool and was never mined.
var ErrDropped = errors.New("ethereum: transaction dropped from mempool")

// ErrSendTimeout indicates the overall submission deadline elapsed before a
// transaction handle was obtained.
var ErrSendTimeout = errors.New("ethereum: send timed out")

// SendError wraps a transport or serialization fault raised while handing a
// transaction to the network layer.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("ethereum: send failed: %v", e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}
