package wall

import (
	"errors"
	"fmt"
)

var (
	ErrIndexOutOfRange = errors.New("cell index out of range")
	ErrBindFailure     = errors.New("bind failed")
	ErrLoginFailure    = errors.New("device login failed")
	ErrNoURL           = errors.New("cell has no stream url")
	ErrClosed          = errors.New("wall is closed")
)

// LoginFailure reports a device session that could not be opened. Code is
// the collaborator's vendor code, or -1 when it has none.
type LoginFailure struct {
	Device string
	Code   int
	Err    error
}

func (e *LoginFailure) Error() string {
	return fmt.Sprintf("login to %s failed (code %d): %v", e.Device, e.Code, e.Err)
}

func (e *LoginFailure) Unwrap() error { return e.Err }

func (e *LoginFailure) Is(target error) bool { return target == ErrLoginFailure }

// BindError lists the cells whose device channel could not be bound with
// either channel numbering.
type BindError struct {
	Cells []int
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind failed for cells %v", e.Cells)
}

func (e *BindError) Is(target error) bool { return target == ErrBindFailure }

func vendorCode(err error) int {
	var coded interface{ VendorCode() int }
	if errors.As(err, &coded) {
		return coded.VendorCode()
	}
	return -1
}
