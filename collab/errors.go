package collab

import (
	"errors"
	"fmt"
)

// connection refused, handshake failure, or a broker reported protocol error.
// Always non-fatal. The transport schedules a reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", self.Op, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// an attach or update call to the shared document failed.
// Non-fatal. The caller may retry.
type SyncError struct {
	Op  string
	Key string
	Err error
}

func (self *SyncError) Error() string {
	if self.Key == "" {
		return fmt.Sprintf("sync %s: %s", self.Op, self.Err)
	}
	return fmt.Sprintf("sync %s %s: %s", self.Op, self.Key, self.Err)
}

func (self *SyncError) Unwrap() error {
	return self.Err
}

// a request failed validation before any network call was made
type ValidationError struct {
	Field   string
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", self.Field, self.Message)
}

// a programming invariant was violated, e.g. acting on a missing node
type LogicError struct {
	Message string
}

func (self *LogicError) Error() string {
	return self.Message
}

func newLogicError(format string, a ...any) *LogicError {
	return &LogicError{
		Message: fmt.Sprintf(format, a...),
	}
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func IsSyncError(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr)
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsLogicError(err error) bool {
	var logicErr *LogicError
	return errors.As(err, &logicErr)
}
