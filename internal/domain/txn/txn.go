// Package txn declares the atomic unit contract used by the domain services.
//
// A Runner executes fn inside a single transaction and stores the
// transaction handle in the context passed to fn. Repositories called with
// that context take part in the same unit. Nested InTx calls join the outer
// unit instead of opening a new one.
package txn

import "context"

// Runner runs functions inside an atomic unit.
type Runner interface {
	// InTx commits when fn returns nil and rolls back every write otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
