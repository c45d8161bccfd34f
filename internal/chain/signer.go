package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransactionSigner signs transactions for a single account.
type TransactionSigner interface {
	Address() common.Address
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner signs with an in-process private key. Meant for local
// networks and CI; production deployments use RemoteSigner.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalSigner creates a LocalSigner from a hex-encoded private key, with
// or without a 0x prefix.
func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to get public key")
	}

	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the signer's address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTransaction signs tx with the local key.
func (s *LocalSigner) SignTransaction(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signedTx, nil
}

// RemoteSignerConfig configures a RemoteSigner.
type RemoteSignerConfig struct {
	// Endpoint accepts eth_signTransaction JSON-RPC requests.
	Endpoint string
	// APIKey is sent in the X-API-Key header when set.
	APIKey  string
	Address common.Address
	ChainID *big.Int
	// MaxRetries is the number of attempts (default: 3)
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     HTTPClient
}

// HTTPClient allows mocking the transport in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteSigner delegates signing to a key service over JSON-RPC.
type RemoteSigner struct {
	config RemoteSignerConfig
	client HTTPClient
}

// NewRemoteSigner creates a RemoteSigner, applying defaults.
func NewRemoteSigner(cfg RemoteSignerConfig) *RemoteSigner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &RemoteSigner{config: cfg, client: client}
}

// Address returns the account the remote service signs for.
func (s *RemoteSigner) Address() common.Address {
	return s.config.Address
}

// SignTransaction signs tx via eth_signTransaction, retrying transient
// failures with exponential backoff.
func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	rpcReq := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_signTransaction",
		Params:  []any{s.buildTransactionArgs(tx)},
		ID:      1,
	}

	var lastErr error
	wait := s.config.InitialBackoff

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait = min(wait*2, s.config.MaxBackoff)
		}

		signedTxHex, err := s.doJSONRPCCall(ctx, rpcReq)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				return nil, fmt.Errorf("signing failed: %w", err)
			}
			continue
		}

		signedTx, err := decodeSignedTransaction(signedTxHex)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
		}
		return signedTx, nil
	}

	return nil, fmt.Errorf("signing failed after %d attempts: %w", s.config.MaxRetries, lastErr)
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transactionArgs struct {
	From                 string  `json:"from"`
	To                   *string `json:"to,omitempty"`
	Gas                  string  `json:"gas"`
	GasPrice             *string `json:"gasPrice,omitempty"`
	MaxFeePerGas         *string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas,omitempty"`
	Value                string  `json:"value"`
	Nonce                string  `json:"nonce"`
	Data                 string  `json:"data,omitempty"`
	ChainID              string  `json:"chainId"`
}

func (s *RemoteSigner) buildTransactionArgs(tx *types.Transaction) transactionArgs {
	args := transactionArgs{
		From:    s.config.Address.Hex(),
		Gas:     hexutil.EncodeUint64(tx.Gas()),
		Value:   hexutil.EncodeBig(tx.Value()),
		Nonce:   hexutil.EncodeUint64(tx.Nonce()),
		ChainID: hexutil.EncodeBig(s.config.ChainID),
	}

	// nil for contract creation
	if tx.To() != nil {
		to := tx.To().Hex()
		args.To = &to
	}
	if len(tx.Data()) > 0 {
		args.Data = hexutil.Encode(tx.Data())
	}

	switch tx.Type() {
	case types.DynamicFeeTxType:
		maxFee := hexutil.EncodeBig(tx.GasFeeCap())
		maxTip := hexutil.EncodeBig(tx.GasTipCap())
		args.MaxFeePerGas = &maxFee
		args.MaxPriorityFeePerGas = &maxTip
	default:
		gasPrice := hexutil.EncodeBig(tx.GasPrice())
		args.GasPrice = &gasPrice
	}

	return args
}

func (s *RemoteSigner) doJSONRPCCall(ctx context.Context, rpcReq jsonRPCRequest) (string, error) {
	reqBody, err := json.Marshal(rpcReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", s.config.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return "", &RetryableError{Err: fmt.Errorf("server error: %d %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("client error: %d %s", resp.StatusCode, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		if isRetryableRPCError(rpcResp.Error.Code) {
			return "", &RetryableError{Err: fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)}
		}
		return "", fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var signedTxHex string
	if err := json.Unmarshal(rpcResp.Result, &signedTxHex); err != nil {
		return "", fmt.Errorf("unmarshal result: %w", err)
	}

	return signedTxHex, nil
}

// decodeSignedTransaction decodes an RLP-encoded signed transaction.
func decodeSignedTransaction(hexEncodedTx string) (*types.Transaction, error) {
	txBytes, err := hexutil.Decode("0x" + strings.TrimPrefix(hexEncodedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(txBytes); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// RetryableError indicates a signing error that can be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func isRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// isRetryableRPCError reports whether code is in the -32000..-32099
// server error range.
func isRetryableRPCError(code int) bool {
	return code >= -32099 && code <= -32000
}

var (
	_ TransactionSigner = (*LocalSigner)(nil)
	_ TransactionSigner = (*RemoteSigner)(nil)
)
