// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bchip17/co/internal/chain"
)

// SimCall describes one operation seen by a SimulatedClient.
type SimCall struct {
	Op      string // create, call or read
	Kind    string
	Method  string
	Address common.Address
	Args    []any
}

// Fault makes matching operations fail with Err. Times limits how often it
// fires (0 means always). With AfterEffect set the operation takes effect
// before the error is returned, like a transaction that landed while the
// client lost its connection.
type Fault struct {
	Match       func(SimCall) bool
	Err         error
	Times       int
	AfterEffect bool

	fired int
}

// SimulatedClient is an in-memory chain. It has no bytecode: contracts
// store what their setters receive. Only creations use nonces.
//
// State follows naming conventions:
//   - setX(v) stores x; setX(k..., v) stores x(k...)
//   - addX(k, v...) stores x(k)
//   - getX(k...) and x(k...) read back the stored value, or the zero
//     address when nothing was stored
//
// Setters that assign several fields at once are declared with MapSetter.
type SimulatedClient struct {
	mu        sync.Mutex
	account   common.Address
	chainID   *big.Int
	balance   *big.Int
	nonce     uint64
	contracts map[common.Address]*simContract
	setters   map[string][]string
	faults    []*Fault
	calls     []SimCall
	mutations int
	block     uint64
}

type simContract struct {
	kind  string
	args  []any
	state map[string]any
}

// NewSimulatedClient creates a simulated chain with a funded account.
func NewSimulatedClient(chainID int64) *SimulatedClient {
	return &SimulatedClient{
		account:   common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		chainID:   big.NewInt(chainID),
		balance:   new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		contracts: make(map[common.Address]*simContract),
		setters:   make(map[string][]string),
	}
}

// MapSetter declares that method assigns its arguments to fields in order.
func (s *SimulatedClient) MapSetter(method string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setters[method] = fields
}

// Inject registers a fault.
func (s *SimulatedClient) Inject(f *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// ClearFaults removes all faults.
func (s *SimulatedClient) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// SetBalance sets the account balance.
func (s *SimulatedClient) SetBalance(b *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = new(big.Int).Set(b)
}

// Deploy places a contract without counting it as a mutation, for setting
// up resources that exist before a run.
func (s *SimulatedClient) Deploy(kind string, args ...any) common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(kind, args)
}

// UseNonce consumes the next nonce without creating anything, as a transfer
// from the same account would.
func (s *SimulatedClient) UseNonce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
}

// SetState overwrites a stored field, as an out-of-band change would.
func (s *SimulatedClient) SetState(addr common.Address, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return fmt.Errorf("no contract at %s", addr.Hex())
	}
	c.state[key] = value
	return nil
}

// State returns a stored field.
func (s *SimulatedClient) State(addr common.Address, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return nil, false
	}
	v, ok := c.state[key]
	return v, ok
}

// KindAt returns the kind of the contract at addr.
func (s *SimulatedClient) KindAt(addr common.Address) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[addr]
	if !ok {
		return "", false
	}
	return c.kind, true
}

// Calls returns every operation seen so far, including failed ones.
func (s *SimulatedClient) Calls() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Mutations returns the number of creations and calls that took effect.
func (s *SimulatedClient) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// Account returns the simulated sender.
func (s *SimulatedClient) Account() common.Address {
	return s.account
}

// Balance returns the account balance.
func (s *SimulatedClient) Balance(context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance), nil
}

// Network returns the chain id.
func (s *SimulatedClient) Network(context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// CreateResource creates a contract of kind.
func (s *SimulatedClient) CreateResource(ctx context.Context, kind string, args []any) (common.Address, *chain.Receipt, error) {
	return s.CreateTracked(ctx, kind, args, nil)
}

// CreateTracked creates a contract of kind, reporting the pending creation
// to record first.
func (s *SimulatedClient) CreateTracked(ctx context.Context, kind string, args []any, record func(chain.PendingCreation) error) (common.Address, *chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, nil, &chain.CallError{Op: "create", Kind: kind, Class: chain.ErrTimeout, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := SimCall{Op: "create", Kind: kind, Args: args}
	s.calls = append(s.calls, call)

	if kind == "" {
		return common.Address{}, nil, &chain.CallError{Op: "create", Kind: kind, Class: chain.ErrInvalidArguments, Err: fmt.Errorf("empty kind")}
	}

	fault := s.faultLocked(call)
	if fault != nil && !fault.AfterEffect {
		return common.Address{}, nil, s.faultError("create", kind, "", fault)
	}

	pending := s.pendingLocked()
	if record != nil {
		if err := record(pending); err != nil {
			return common.Address{}, nil, &chain.CallError{Op: "create", Kind: kind, Class: chain.ErrInvalidArguments, Err: fmt.Errorf("record pending creation: %w", err)}
		}
	}

	addr := s.createLocked(kind, args)
	s.mutations++
	receipt := s.creationReceiptLocked(pending)

	if fault != nil {
		return common.Address{}, nil, s.faultError("create", kind, "", fault)
	}
	return addr, receipt, nil
}

// ResumeCreation settles p. A creation that never took effect takes effect
// now under p.Nonce; one whose nonce was used by a later creation is lost.
func (s *SimulatedClient) ResumeCreation(ctx context.Context, kind string, args []any, p chain.PendingCreation, record func(chain.PendingCreation) error) (common.Address, *chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, nil, &chain.CallError{Op: "resume", Kind: kind, Class: chain.ErrTimeout, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := SimCall{Op: "resume", Kind: kind, Address: p.Address, Args: args}
	s.calls = append(s.calls, call)

	if fault := s.faultLocked(call); fault != nil {
		return common.Address{}, nil, s.faultError("resume", kind, "", fault)
	}

	if _, ok := s.contracts[p.Address]; ok {
		return p.Address, &chain.Receipt{TxHash: p.TxHash, BlockNumber: s.block}, nil
	}
	if s.nonce != p.Nonce {
		return common.Address{}, nil, &chain.CallError{
			Op:    "resume",
			Kind:  kind,
			Class: chain.ErrNetwork,
			Err:   fmt.Errorf("%w: nonce %d", chain.ErrCreationLost, p.Nonce),
		}
	}

	if record != nil {
		if err := record(p); err != nil {
			return common.Address{}, nil, &chain.CallError{Op: "resume", Kind: kind, Class: chain.ErrInvalidArguments, Err: err}
		}
	}
	addr := s.createLocked(kind, args)
	s.mutations++
	return addr, s.creationReceiptLocked(p), nil
}

// Call applies method to the contract at addr.
func (s *SimulatedClient) Call(ctx context.Context, addr common.Address, kind, method string, args []any) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.CallError{Op: "call", Kind: kind, Method: method, Class: chain.ErrTimeout, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := SimCall{Op: "call", Kind: kind, Method: method, Address: addr, Args: args}
	s.calls = append(s.calls, call)

	c, err := s.contractLocked(addr, kind)
	if err != nil {
		return nil, &chain.CallError{Op: "call", Kind: kind, Method: method, Class: chain.ErrInvalidArguments, Err: err}
	}

	fault := s.faultLocked(call)
	if fault != nil && !fault.AfterEffect {
		return nil, s.faultError("call", kind, method, fault)
	}

	s.applyLocked(c, method, args)
	s.mutations++
	receipt := s.receiptLocked()

	if fault != nil {
		return nil, s.faultError("call", kind, method, fault)
	}
	return receipt, nil
}

// Read returns stored state.
func (s *SimulatedClient) Read(ctx context.Context, addr common.Address, kind, method string, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.CallError{Op: "read", Kind: kind, Method: method, Class: chain.ErrTimeout, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := SimCall{Op: "read", Kind: kind, Method: method, Address: addr, Args: args}
	s.calls = append(s.calls, call)

	c, err := s.contractLocked(addr, kind)
	if err != nil {
		return nil, &chain.CallError{Op: "read", Kind: kind, Method: method, Class: chain.ErrInvalidArguments, Err: err}
	}
	if fault := s.faultLocked(call); fault != nil {
		return nil, s.faultError("read", kind, method, fault)
	}

	field := method
	if len(method) > 3 && strings.HasPrefix(method, "get") {
		field = lowerFirst(method[3:])
	}
	if v, ok := c.state[stateKey(field, args)]; ok {
		return v, nil
	}
	return common.Address{}, nil
}

// HasCode reports whether a contract exists at addr.
func (s *SimulatedClient) HasCode(_ context.Context, addr common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contracts[addr]
	return ok, nil
}

func (s *SimulatedClient) createLocked(kind string, args []any) common.Address {
	addr := crypto.CreateAddress(s.account, s.nonce)
	s.nonce++
	s.contracts[addr] = &simContract{
		kind:  kind,
		args:  append([]any(nil), args...),
		state: make(map[string]any),
	}
	return addr
}

func (s *SimulatedClient) contractLocked(addr common.Address, kind string) (*simContract, error) {
	c, ok := s.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", addr.Hex())
	}
	if kind != "" && c.kind != kind {
		return nil, fmt.Errorf("contract at %s is %s, not %s", addr.Hex(), c.kind, kind)
	}
	return c, nil
}

func (s *SimulatedClient) applyLocked(c *simContract, method string, args []any) {
	if fields, ok := s.setters[method]; ok {
		for i, f := range fields {
			if i < len(args) {
				c.state[f] = args[i]
			}
		}
		return
	}

	switch {
	case len(method) > 3 && strings.HasPrefix(method, "set"):
		field := lowerFirst(method[3:])
		switch len(args) {
		case 0:
			c.state[field] = true
		case 1:
			c.state[field] = args[0]
		default:
			c.state[stateKey(field, args[:len(args)-1])] = args[len(args)-1]
		}
	case len(method) > 3 && strings.HasPrefix(method, "add") && len(args) > 0:
		key := stateKey(lowerFirst(method[3:]), args[:1])
		switch rest := args[1:]; len(rest) {
		case 0:
			c.state[key] = true
		case 1:
			c.state[key] = rest[0]
		default:
			c.state[key] = rest
		}
	}
}

func (s *SimulatedClient) faultLocked(call SimCall) *Fault {
	for _, f := range s.faults {
		if f.Times > 0 && f.fired >= f.Times {
			continue
		}
		if f.Match == nil || f.Match(call) {
			f.fired++
			return f
		}
	}
	return nil
}

func (s *SimulatedClient) faultError(op, kind, method string, f *Fault) error {
	class := chain.Class(f.Err)
	if class == nil {
		class = chain.ErrNetwork
	}
	return &chain.CallError{Op: op, Kind: kind, Method: method, Class: class, Err: f.Err}
}

func (s *SimulatedClient) pendingLocked() chain.PendingCreation {
	hash := crypto.Keccak256Hash(s.account.Bytes(), new(big.Int).SetUint64(s.nonce).Bytes())
	return chain.PendingCreation{
		Address: crypto.CreateAddress(s.account, s.nonce),
		Nonce:   s.nonce,
		TxHash:  hash.Hex(),
	}
}

func (s *SimulatedClient) creationReceiptLocked(p chain.PendingCreation) *chain.Receipt {
	s.block++
	return &chain.Receipt{TxHash: p.TxHash, BlockNumber: s.block, GasUsed: 21000}
}

func (s *SimulatedClient) receiptLocked() *chain.Receipt {
	s.block++
	hash := crypto.Keccak256Hash(new(big.Int).SetUint64(s.block).Bytes(), s.account.Bytes())
	return &chain.Receipt{TxHash: hash.Hex(), BlockNumber: s.block, GasUsed: 21000}
}

func stateKey(field string, args []any) string {
	if len(args) == 0 {
		return field
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = chain.FormatValue(a)
	}
	return field + "(" + strings.Join(parts, ",") + ")"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// ForMethod matches operations calling method.
func ForMethod(method string) func(SimCall) bool {
	return func(c SimCall) bool { return c.Method == method }
}

// ForCreate matches creations of kind.
func ForCreate(kind string) func(SimCall) bool {
	return func(c SimCall) bool { return c.Op == "create" && c.Kind == kind }
}

var (
	_ chain.Client          = (*SimulatedClient)(nil)
	_ chain.CreationTracker = (*SimulatedClient)(nil)
)
