package domain

import "errors"

// Failure taxonomy shared by the apply engine, the converter and the bulk transfer.
var (
	ErrTransient        = errors.New("transient store fault")
	ErrSchemaMismatch   = errors.New("table version mismatch")
	ErrTableNotFound    = errors.New("table not found")
	ErrIndexNotFound    = errors.New("index not found")
	ErrUnassignedRegion = errors.New("row has unassigned region id")
	ErrIncompatible     = errors.New("incompatible row")
)

// IsTransient also treats anything advertising Temporary() as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

func IsDropped(err error) bool {
	return errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrIndexNotFound)
}
