package store

import "fmt"

// StoreError is a persistence I/O failure: the caller logs it, aborts the
// current item, and moves on — the worker pool never blocks on a single
// bad write. A StoreError wrapping util.ErrAlreadyExists means SaveDevice
// hit a uniqueness constraint (two devices sharing a management IP across
// VRFs is the common real case), and the caller should skip the
// conflicting row rather than overwrite it. Admit reports such a conflict
// as admitted=false with no error.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
