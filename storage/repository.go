// Package storage provides the persistence layer for sealed client-side records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record was ever written to a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// ReadTx provides consistent reads within a transaction.
// The namespace is scoped to the transaction, so methods don't require it.
type ReadTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
}

// BatchTx provides reads and writes within an atomic transaction.
type BatchTx interface {
	ReadTx
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	Delete(namespace string, recordType string, recordID string) error
	List(namespace string, recordType string) ([]string, error)
	// Batch runs fn in a read-write transaction. If fn returns an error no
	// write made inside it is visible.
	Batch(namespace string, fn func(tx BatchTx) error) error
	// View runs fn in a read-only transaction.
	View(namespace string, fn func(tx ReadTx) error) error
}
