package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend mines every transaction immediately unless hold is set.
type fakeBackend struct {
	mu          sync.Mutex
	chainID     *big.Int
	baseFee     *big.Int
	nonce       uint64
	mined       uint64
	hold        bool
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	estimateErr error
	sendErr     error
	failStatus  bool
	callResult  []byte
	code        map[common.Address][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(43114),
		baseFee:  big.NewInt(25_000_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
		code:     make(map[common.Address][]byte),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mined, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	if f.hold {
		return nil
	}
	f.mined = tx.Nonce() + 1

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(100 + len(f.sent))),
		GasUsed:     50_000,
	}
	if f.failStatus {
		receipt.Status = types.ReceiptStatusFailed
	}
	if tx.To() == nil {
		receipt.ContractAddress = crypto.CreateAddress(from, tx.Nonce())
		f.code[receipt.ContractAddress] = []byte{0x60}
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeBackend) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[addr], nil
}

func newTestEthClient(t *testing.T, backend *fakeBackend) *EthClient {
	t.Helper()
	signer, err := NewLocalSigner(devKey, backend.chainID)
	require.NoError(t, err)

	c, err := NewEthClient(EthConfig{
		Backend:        backend,
		Signer:         signer,
		Artifacts:      testArtifacts(t),
		ChainID:        backend.chainID,
		ConfirmTimeout: time.Second,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestEthClient_CreateTracked(t *testing.T) {
	backend := newFakeBackend()
	c := newTestEthClient(t, backend)
	ctx := context.Background()

	var recorded PendingCreation
	addr, receipt, err := c.CreateTracked(ctx, "Pool", []any{common.Address{}}, func(p PendingCreation) error {
		recorded = p
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, recorded.Address, addr)
	assert.Equal(t, uint64(0), recorded.Nonce)
	assert.Equal(t, receipt.TxHash, recorded.TxHash)
	assert.Equal(t, crypto.CreateAddress(c.Account(), 0), addr)
	assert.NotEmpty(t, receipt.TxHash)

	assert.NotEmpty(t, backend.code[addr])

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, big.NewInt(51_000_000_000), tx.GasFeeCap())
}

func TestEthClient_RecordFailureStopsCreation(t *testing.T) {
	backend := newFakeBackend()
	c := newTestEthClient(t, backend)

	_, _, err := c.CreateTracked(context.Background(), "Router", nil, func(PendingCreation) error {
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Empty(t, backend.sent)
}

func TestEthClient_ResumeCreation_ReusesNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = true
	signer, err := NewLocalSigner(devKey, backend.chainID)
	require.NoError(t, err)
	c, err := NewEthClient(EthConfig{
		Backend:        backend,
		Signer:         signer,
		Artifacts:      testArtifacts(t),
		ChainID:        backend.chainID,
		ConfirmTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	var pending PendingCreation
	_, _, err = c.CreateTracked(ctx, "Router", nil, func(p PendingCreation) error {
		pending = p
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))

	var rebroadcast []PendingCreation
	for i := 0; i < 2; i++ {
		_, _, err = c.ResumeCreation(ctx, "Router", nil, pending, func(p PendingCreation) error {
			rebroadcast = append(rebroadcast, p)
			return nil
		})
		require.ErrorIs(t, err, ErrTimeout)
	}

	// every broadcast competes for nonce 0, so only one creation can land
	require.Len(t, backend.sent, 3)
	for _, tx := range backend.sent {
		assert.Equal(t, uint64(0), tx.Nonce())
	}
	assert.Equal(t, 1, backend.sent[1].GasFeeCap().Cmp(backend.sent[0].GasFeeCap()))
	require.Len(t, rebroadcast, 2)
	for _, p := range rebroadcast {
		assert.Equal(t, pending.Address, p.Address)
		assert.Equal(t, pending.Nonce, p.Nonce)
	}

	// the first transaction is mined after all
	backend.mu.Lock()
	backend.mined = 1
	backend.code[pending.Address] = []byte{0x60}
	backend.mu.Unlock()

	addr, _, err := c.ResumeCreation(ctx, "Router", nil, pending, nil)
	require.NoError(t, err)
	assert.Equal(t, pending.Address, addr)
	assert.Len(t, backend.sent, 3)
}

func TestEthClient_ResumeCreation_Lost(t *testing.T) {
	backend := newFakeBackend()
	c := newTestEthClient(t, backend)
	ctx := context.Background()
	router := common.HexToAddress("0x1000000000000000000000000000000000000001")

	pending := PendingCreation{Address: crypto.CreateAddress(c.Account(), 0), Nonce: 0}
	// nonce 0 goes to a call instead
	_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1})
	require.NoError(t, err)

	_, _, err = c.ResumeCreation(ctx, "Router", nil, pending, nil)
	assert.ErrorIs(t, err, ErrCreationLost)
	assert.Len(t, backend.sent, 1)
}

func TestEthClient_WaitEndsWithCaller(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = true
	c := newTestEthClient(t, backend)
	router := common.HexToAddress("0x1000000000000000000000000000000000000001")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", ClassName(err))
}

func TestEthClient_Call(t *testing.T) {
	backend := newFakeBackend()
	c := newTestEthClient(t, backend)
	ctx := context.Background()

	router := common.HexToAddress("0x1000000000000000000000000000000000000001")
	_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 5000})
	require.NoError(t, err)
	_, err = c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1000})
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(0), backend.sent[0].Nonce())
	assert.Equal(t, uint64(1), backend.sent[1].Nonce())
}

func TestEthClient_LegacyFees(t *testing.T) {
	backend := newFakeBackend()
	backend.baseFee = nil
	c := newTestEthClient(t, backend)

	_, _, err := c.CreateResource(context.Background(), "Router", nil)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint8(types.LegacyTxType), backend.sent[0].Type())
}

func TestEthClient_ErrorClasses(t *testing.T) {
	ctx := context.Background()
	router := common.HexToAddress("0x1000000000000000000000000000000000000001")

	t.Run("unknown kind", func(t *testing.T) {
		c := newTestEthClient(t, newFakeBackend())
		_, _, err := c.CreateResource(ctx, "Nope", nil)
		assert.ErrorIs(t, err, ErrInvalidArguments)
		assert.False(t, IsTransient(err))
	})

	t.Run("bad arguments", func(t *testing.T) {
		c := newTestEthClient(t, newFakeBackend())
		_, err := c.Call(ctx, router, "Router", "setPool", []any{"x"})
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("revert at estimation", func(t *testing.T) {
		backend := newFakeBackend()
		backend.estimateErr = errors.New("execution reverted: Ownable: caller is not the owner")
		c := newTestEthClient(t, backend)
		_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1})
		assert.ErrorIs(t, err, ErrReverted)
	})

	t.Run("failed receipt", func(t *testing.T) {
		backend := newFakeBackend()
		backend.failStatus = true
		c := newTestEthClient(t, backend)
		_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1})
		assert.ErrorIs(t, err, ErrReverted)
	})

	t.Run("connection refused", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendErr = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
		c := newTestEthClient(t, backend)
		_, err := c.Call(ctx, router, "Router", "setPoolShare", []any{router, 1})
		assert.ErrorIs(t, err, ErrNetwork)
		assert.True(t, IsTransient(err))
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("execution reverted"), ErrReverted},
		{errors.New("insufficient funds for gas * price + value"), ErrInvalidArguments},
		{errors.New("i/o timeout"), ErrTimeout},
		{context.DeadlineExceeded, ErrTimeout},
		{errors.New("502 bad gateway"), ErrNetwork},
		{invalidArgs(errors.New("x")), ErrInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestCallError(t *testing.T) {
	err := &CallError{Op: "call", Kind: "Router", Method: "setPool", Class: ErrReverted, Err: errors.New("boom")}
	assert.ErrorIs(t, err, ErrReverted)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, "reverted", ClassName(err))
	assert.Contains(t, err.Error(), "Router.setPool")
	assert.Equal(t, "other", ClassName(errors.New("x")))
}
