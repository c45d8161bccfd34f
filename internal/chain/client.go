// Package chain is the boundary to the blockchain: creating resources from
// compiled artifacts, sending configuration calls and reading state back.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Error classes. Every error returned by a Client matches exactly one of
// them through errors.Is.
var (
	ErrNetwork          = errors.New("chain: network error")
	ErrTimeout          = errors.New("chain: timeout")
	ErrReverted         = errors.New("chain: reverted")
	ErrInvalidArguments = errors.New("chain: invalid arguments")
)

// ErrCreationLost is returned by ResumeCreation when the recorded nonce was
// used without creating the resource. Only then may a new creation be
// submitted.
var ErrCreationLost = errors.New("chain: creation lost")

// Receipt summarises a confirmed transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the chain interface the executor and validator depend on.
// Arguments are Go values (common.Address, *big.Int, string, bool,
// numbers, slices); implementations coerce them to the ABI types.
type Client interface {
	// CreateResource deploys an instance of kind and waits for confirmation.
	CreateResource(ctx context.Context, kind string, args []any) (common.Address, *Receipt, error)
	// Call sends a state-changing call and waits for confirmation.
	Call(ctx context.Context, addr common.Address, kind, method string, args []any) (*Receipt, error)
	// Read performs a read-only call. Single return values are returned
	// as is, multiple ones as []any.
	Read(ctx context.Context, addr common.Address, kind, method string, args []any) (any, error)
	// Account returns the address transactions are sent from.
	Account() common.Address
	// Balance returns the native balance of Account.
	Balance(ctx context.Context) (*big.Int, error)
	// Network returns the chain id.
	Network(ctx context.Context) (*big.Int, error)
}

// PendingCreation identifies a creation transaction that has been signed
// but is not known to be confirmed. The address follows from the sender and
// the nonce, so every transaction reusing Nonce creates at Address.
type PendingCreation struct {
	Address common.Address
	Nonce   uint64
	TxHash  string
}

// CreationTracker is implemented by clients that know where a creation will
// land before it is submitted.
//
// CreateTracked calls record after signing and before the transaction is
// sent; a record error aborts the creation. ResumeCreation settles a
// creation recorded earlier: it returns the address once a creation under
// p.Nonce is confirmed, rebroadcasting under that same nonce while it is
// unused, so at most one resource can result. It fails with ErrCreationLost
// when the nonce was used by a transaction that created nothing at
// p.Address.
type CreationTracker interface {
	CreateTracked(ctx context.Context, kind string, args []any, record func(PendingCreation) error) (common.Address, *Receipt, error)
	ResumeCreation(ctx context.Context, kind string, args []any, p PendingCreation, record func(PendingCreation) error) (common.Address, *Receipt, error)
}

// CallError carries the operation context of a classified chain error.
type CallError struct {
	Op     string
	Kind   string
	Method string
	Class  error
	Err    error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	target := e.Kind
	if e.Method != "" {
		target += "." + e.Method
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, target, e.Class, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the error class.
func (e *CallError) Is(target error) bool {
	return target == e.Class
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// Class returns the error class of err, or nil when it has none.
func Class(err error) error {
	for _, c := range []error{ErrNetwork, ErrTimeout, ErrReverted, ErrInvalidArguments} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// ClassName returns a short label for metrics and reports. Errors caused by
// a cancelled context are labelled cancelled whatever their class.
func ClassName(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	switch Class(err) {
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrReverted:
		return "reverted"
	case ErrInvalidArguments:
		return "invalid_arguments"
	default:
		return "other"
	}
}
