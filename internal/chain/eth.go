package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of *ethclient.Client the EthClient uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// EthConfig configures an EthClient.
type EthConfig struct {
	Backend   Backend
	Signer    TransactionSigner
	Artifacts *Artifacts
	ChainID   *big.Int
	// ConfirmTimeout bounds the wait for a receipt (default: 5m)
	ConfirmTimeout time.Duration
	// PollInterval is the receipt polling period (default: 2s)
	PollInterval time.Duration
	Logger       *slog.Logger
}

// EthClient is the Client for EVM JSON-RPC networks.
type EthClient struct {
	backend        Backend
	signer         TransactionSigner
	artifacts      *Artifacts
	chainID        *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	// mu serializes nonce reservation through broadcast.
	mu        sync.Mutex
	nextNonce *uint64
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// NewEthClient creates an EthClient.
func NewEthClient(cfg EthConfig) (*EthClient, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("artifacts are required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &EthClient{
		backend:        cfg.Backend,
		signer:         cfg.Signer,
		artifacts:      cfg.Artifacts,
		chainID:        cfg.ChainID,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         cfg.Logger,
	}, nil
}

// Account returns the signer address.
func (c *EthClient) Account() common.Address {
	return c.signer.Address()
}

// Balance returns the native balance of the signer.
func (c *EthClient) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, c.Account(), nil)
	if err != nil {
		return nil, &CallError{Op: "balance", Class: classify(err), Err: err}
	}
	return bal, nil
}

// Network returns the chain id reported by the node.
func (c *EthClient) Network(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, &CallError{Op: "network", Class: classify(err), Err: err}
	}
	return id, nil
}

// CreateResource deploys kind with args.
func (c *EthClient) CreateResource(ctx context.Context, kind string, args []any) (common.Address, *Receipt, error) {
	return c.CreateTracked(ctx, kind, args, nil)
}

// CreateTracked deploys kind, reporting the pending creation to record
// before the transaction leaves the process.
func (c *EthClient) CreateTracked(ctx context.Context, kind string, args []any, record func(PendingCreation) error) (common.Address, *Receipt, error) {
	fail := func(err error) (common.Address, *Receipt, error) {
		return common.Address{}, nil, &CallError{Op: "create", Kind: kind, Class: classify(err), Err: err}
	}

	data, err := c.creationData(kind, args)
	if err != nil {
		return fail(err)
	}

	var pending PendingCreation
	tx, err := c.send(ctx, nil, data, nil, func(tx *types.Transaction) error {
		pending = c.pendingCreation(tx)
		if record == nil {
			return nil
		}
		return record(pending)
	})
	if err != nil {
		return fail(err)
	}

	c.logger.Info("creation tx broadcast",
		slog.String("kind", kind),
		slog.Uint64("nonce", pending.Nonce),
		slog.String("address", pending.Address.Hex()),
		slog.String("tx_hash", pending.TxHash),
	)

	receipt, err := c.confirm(ctx, tx.Hash())
	if err != nil {
		return fail(err)
	}

	c.logger.Info("resource created",
		slog.String("kind", kind),
		slog.String("address", receipt.ContractAddress.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt.ContractAddress, toReceipt(receipt), nil
}

// ResumeCreation settles a creation recorded by an earlier attempt. While
// its nonce is unused the creation is rebroadcast under that nonce with
// raised fees; whichever of the transactions is mined creates at p.Address.
func (c *EthClient) ResumeCreation(ctx context.Context, kind string, args []any, p PendingCreation, record func(PendingCreation) error) (common.Address, *Receipt, error) {
	fail := func(err error) (common.Address, *Receipt, error) {
		return common.Address{}, nil, &CallError{Op: "resume", Kind: kind, Class: classify(err), Err: err}
	}

	data, err := c.creationData(kind, args)
	if err != nil {
		return fail(err)
	}

	receipt, settled, err := c.settleCreation(ctx, p)
	if err != nil {
		return fail(err)
	}
	if settled {
		c.logger.Info("recorded creation confirmed",
			slog.String("kind", kind),
			slog.String("address", p.Address.Hex()),
		)
		return p.Address, receipt, nil
	}

	nonce := p.Nonce
	tx, err := c.send(ctx, nil, data, &nonce, nil)
	switch {
	case err == nil:
		p.TxHash = tx.Hash().Hex()
		c.logger.Warn("creation tx rebroadcast",
			slog.String("kind", kind),
			slog.Uint64("nonce", nonce),
			slog.String("tx_hash", p.TxHash),
		)
		if record != nil {
			if err := record(p); err != nil {
				// Nonce and address are unchanged, only the hash is stale.
				c.logger.Warn("record rebroadcast failed", slog.String("error", err.Error()))
			}
		}
	case isReplacementRejected(err):
		c.logger.Debug("earlier creation tx still pending",
			slog.Uint64("nonce", nonce),
			slog.String("error", err.Error()),
		)
	default:
		return fail(err)
	}

	receipt, err = c.awaitCreation(ctx, p)
	if err != nil {
		return fail(err)
	}
	return p.Address, receipt, nil
}

func (c *EthClient) creationData(kind string, args []any) ([]byte, error) {
	art, ok := c.artifacts.Get(kind)
	if !ok {
		return nil, invalidArgs(fmt.Errorf("no artifact for kind %s", kind))
	}
	code, err := art.BytecodeBytes()
	if err != nil {
		return nil, invalidArgs(err)
	}
	ctorArgs, err := art.EncodeConstructorArgs(args)
	if err != nil {
		return nil, invalidArgs(err)
	}
	return append(append([]byte{}, code...), ctorArgs...), nil
}

func (c *EthClient) pendingCreation(tx *types.Transaction) PendingCreation {
	return PendingCreation{
		Address: crypto.CreateAddress(c.Account(), tx.Nonce()),
		Nonce:   tx.Nonce(),
		TxHash:  tx.Hash().Hex(),
	}
}

// settleCreation reports whether p is final. Until the account's mined
// nonce passes p.Nonce nothing is final; after that, code at p.Address
// means the creation landed.
func (c *EthClient) settleCreation(ctx context.Context, p PendingCreation) (*Receipt, bool, error) {
	mined, err := c.backend.NonceAt(ctx, c.Account(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("get nonce: %w", err)
	}
	if mined <= p.Nonce {
		return nil, false, nil
	}

	code, err := c.backend.CodeAt(ctx, p.Address, nil)
	if err != nil {
		return nil, false, fmt.Errorf("get code: %w", err)
	}
	var receipt *types.Receipt
	if p.TxHash != "" {
		if r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(p.TxHash)); err == nil {
			receipt = r
		}
	}

	if len(code) > 0 {
		if receipt == nil {
			return nil, true, nil
		}
		return toReceipt(receipt), true, nil
	}
	if receipt != nil && receipt.Status != types.ReceiptStatusSuccessful {
		return nil, false, fmt.Errorf("%w: creation transaction %s", ErrReverted, p.TxHash)
	}
	return nil, false, fmt.Errorf("%w: nonce %d used without code at %s", ErrCreationLost, p.Nonce, p.Address.Hex())
}

// awaitCreation polls until p settles or ConfirmTimeout elapses.
func (c *EthClient) awaitCreation(ctx context.Context, p PendingCreation) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, waitError(ctx, p.TxHash)
		case <-ticker.C:
			receipt, settled, err := c.settleCreation(waitCtx, p)
			switch {
			case errors.Is(err, ErrCreationLost), errors.Is(err, ErrReverted):
				return nil, err
			case err != nil:
				continue
			case settled:
				return receipt, nil
			}
		}
	}
}

func isReplacementRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "nonce too low")
}

// Call sends method on the contract at addr and waits for confirmation.
func (c *EthClient) Call(ctx context.Context, addr common.Address, kind, method string, args []any) (*Receipt, error) {
	fail := func(err error) (*Receipt, error) {
		return nil, &CallError{Op: "call", Kind: kind, Method: method, Class: classify(err), Err: err}
	}

	art, ok := c.artifacts.Get(kind)
	if !ok {
		return fail(invalidArgs(fmt.Errorf("no artifact for kind %s", kind)))
	}
	data, err := art.EncodeFunctionCall(method, args)
	if err != nil {
		return fail(invalidArgs(err))
	}

	receipt, err := c.transact(ctx, &addr, data)
	if err != nil {
		return fail(err)
	}

	c.logger.Debug("call confirmed",
		slog.String("target", addr.Hex()),
		slog.String("method", method),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return toReceipt(receipt), nil
}

// Read performs an eth_call against the latest block.
func (c *EthClient) Read(ctx context.Context, addr common.Address, kind, method string, args []any) (any, error) {
	fail := func(err error) (any, error) {
		return nil, &CallError{Op: "read", Kind: kind, Method: method, Class: classify(err), Err: err}
	}

	art, ok := c.artifacts.Get(kind)
	if !ok {
		return fail(invalidArgs(fmt.Errorf("no artifact for kind %s", kind)))
	}
	data, err := art.EncodeFunctionCall(method, args)
	if err != nil {
		return fail(invalidArgs(err))
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.Account(), To: &addr, Data: data}, nil)
	if err != nil {
		return fail(err)
	}
	value, err := art.DecodeOutput(method, out)
	if err != nil {
		return fail(invalidArgs(err))
	}
	return value, nil
}

// transact builds, signs and broadcasts a transaction, then waits for its
// receipt.
func (c *EthClient) transact(ctx context.Context, to *common.Address, data []byte) (*types.Receipt, error) {
	signedTx, err := c.send(ctx, to, data, nil, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transaction submitted", slog.String("tx_hash", signedTx.Hash().Hex()))
	return c.confirm(ctx, signedTx.Hash())
}

func (c *EthClient) confirm(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction %s", ErrReverted, txHash.Hex())
	}
	return receipt, nil
}

// send signs and broadcasts a transaction. With nonce set it replaces
// whatever is pending under that nonce, raising the fees. signed runs after
// signing and before broadcast.
func (c *EthClient) send(ctx context.Context, to *common.Address, data []byte, nonce *uint64, signed func(*types.Transaction) error) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.Account()
	replace := nonce != nil

	var n uint64
	if replace {
		n = *nonce
	} else {
		pending, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("get nonce: %w", err)
		}
		n = pending
		if c.nextNonce != nil && *c.nextNonce > n {
			n = *c.nextNonce
		}
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx, err := c.buildTx(ctx, n, to, gasLimit, data, replace)
	if err != nil {
		return nil, err
	}

	signedTx, err := c.signer.SignTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if signed != nil {
		if err := signed(signedTx); err != nil {
			return nil, invalidArgs(fmt.Errorf("record pending creation: %w", err))
		}
	}
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	if c.nextNonce == nil || *c.nextNonce <= n {
		next := n + 1
		c.nextNonce = &next
	}
	return signedTx, nil
}

// buildTx prefers a dynamic fee transaction and falls back to a legacy one
// on chains without a base fee. Replacements pay a quarter more, above the
// 10% bump nodes require.
func (c *EthClient) buildTx(ctx context.Context, nonce uint64, to *common.Address, gasLimit uint64, data []byte, replace bool) (*types.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("get gas price: %w", err)
		}
		if replace {
			gasPrice = bumpFee(gasPrice)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       to,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		}), nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	if replace {
		tip, feeCap = bumpFee(tip), bumpFee(feeCap)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		To:        to,
		Gas:       gasLimit,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	}), nil
}

func bumpFee(v *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(v, big.NewInt(125)), big.NewInt(100))
}

// waitForReceipt polls for a receipt until ConfirmTimeout elapses.
func (c *EthClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, waitError(ctx, txHash.Hex())
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(waitCtx, txHash)
			if err != nil {
				// Not found yet, continue waiting
				continue
			}
			return receipt, nil
		}
	}
}

// waitError reports why a wait ended: the caller's context, or the
// confirmation timeout.
func waitError(parent context.Context, txHash string) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("waiting for transaction %s: %w", txHash, context.Cause(parent))
	}
	return fmt.Errorf("%w: waiting for transaction %s", ErrTimeout, txHash)
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{TxHash: r.TxHash.Hex(), GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

type invalidArgsError struct{ err error }

func (e invalidArgsError) Error() string { return e.err.Error() }
func (e invalidArgsError) Unwrap() error { return e.err }

func invalidArgs(err error) error { return invalidArgsError{err: err} }

// classify maps a node or signer error onto an error class.
func classify(err error) error {
	var ia invalidArgsError
	switch {
	case errors.As(err, &ia):
		return ErrInvalidArguments
	case errors.Is(err, ErrReverted), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetwork), errors.Is(err, ErrInvalidArguments):
		return Class(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTimeout
	case errors.Is(err, ErrCreationLost):
		return ErrNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return ErrReverted
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "invalid opcode"),
		strings.Contains(msg, "client error: 4"):
		return ErrInvalidArguments
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrTimeout
	default:
		return ErrNetwork
	}
}

var (
	_ Client          = (*EthClient)(nil)
	_ CreationTracker = (*EthClient)(nil)
	_ Backend         = (*ethclient.Client)(nil)
)
