package sale

import (
	"fmt"

	"github.com/go-faster/errors"
)

// WriteError reports a failed Create where nothing remains stored.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write sale: %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Partial() bool { return false }

// PartialWriteError reports a Create whose header is stored but whose line
// items are not, and whose rollback failed too. The header stays pending
// until a retry with the same idempotency key or reconciliation resolves it.
type PartialWriteError struct {
	ID          ID
	Err         error
	RollbackErr error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("sale %d partially written: %v (rollback: %v)", e.ID, e.Err, e.RollbackErr)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

func (e *PartialWriteError) Partial() bool { return true }

// PartialDeleteError reports a Delete that removed the line items of a sale
// but not its header.
type PartialDeleteError struct {
	ID      ID
	Removed int64
	Err     error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("sale %d partially deleted (%d line items removed): %v", e.ID, e.Removed, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

func (e *PartialDeleteError) Partial() bool { return true }

// IsPartial reports whether err means some but not all records of a sale
// were written or removed.
func IsPartial(err error) bool {
	var p interface{ Partial() bool }
	return errors.As(err, &p) && p.Partial()
}
