package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bchip17/co/internal/binding"
	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/config"
	"github.com/bchip17/co/internal/database"
	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/executor"
	"github.com/bchip17/co/internal/metrics"
	"github.com/bchip17/co/internal/orchestrator"
	"github.com/bchip17/co/internal/registry"
	"github.com/bchip17/co/internal/retry"
	"github.com/bchip17/co/internal/topology"
)

// env holds what a command runs against.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	reg       registry.Registry
	lease     registry.Lease
	client    chain.Client
	externals binding.Externals
	closers   []func()
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup loads configuration and opens the registry. The chain client is
// only connected when withChain is set.
func setup(ctx context.Context, withChain bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.close()
		}
	}()

	if e.externals, err = binding.ParseExternals(cfg.Externals); err != nil {
		return nil, err
	}
	if err := e.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err := e.openLease(ctx); err != nil {
		return nil, err
	}
	if withChain {
		if err := e.connectChain(ctx); err != nil {
			return nil, err
		}
	}

	ok = true
	return e, nil
}

func (e *env) openRegistry(ctx context.Context) error {
	cfg := e.cfg.Registry
	switch cfg.Backend {
	case "memory":
		e.reg = registry.NewMemoryRegistry()
	case "postgres":
		db, err := database.NewPostgres(ctx, e.cfg.Database)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, db.Close)
		if err := database.RunMigrations(e.cfg.Database); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		e.reg = registry.NewPostgresRegistry(db.Pool(), cfg.Name)
	default:
		reg, err := registry.NewFileRegistry(cfg.Path)
		if err != nil {
			return err
		}
		e.reg = reg
	}
	e.logger.Debug("registry opened", slog.String("backend", cfg.Backend), slog.String("name", cfg.Name))
	return nil
}

func (e *env) openLease(ctx context.Context) error {
	owner := registry.NewOwnerID()
	ttl := e.cfg.Lease.TTL

	switch e.cfg.Lease.Backend {
	case "redis":
		client, err := database.NewRedis(ctx, e.cfg.Redis)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		e.lease = registry.NewRedisLease(client, e.cfg.Registry.Name, owner, ttl)
	case "file":
		path := e.cfg.Registry.Path
		if path == "" || e.cfg.Registry.Backend != "file" {
			path = e.cfg.Registry.Name
		}
		e.lease = registry.NewFileLease(path+".lease", owner, ttl)
	default:
		e.lease = registry.NopLease{}
	}
	return nil
}

func (e *env) connectChain(ctx context.Context) error {
	cfg := e.cfg
	backend, err := chain.Dial(ctx, cfg.Network.RPCURL)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, backend.Close)

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}
	if cfg.Network.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.Network.ChainID)) != 0 {
		return fmt.Errorf("node reports chain %s, config expects %d", chainID, cfg.Network.ChainID)
	}

	signer, err := newSigner(cfg.Signer, chainID)
	if err != nil {
		return err
	}

	artifacts, err := chain.LoadArtifacts(cfg.Artifacts.Dir)
	if err != nil {
		return err
	}
	e.logger.Debug("artifacts loaded", slog.Any("kinds", artifacts.Kinds()))

	e.client, err = chain.NewEthClient(chain.EthConfig{
		Backend:        backend,
		Signer:         signer,
		Artifacts:      artifacts,
		ChainID:        chainID,
		ConfirmTimeout: cfg.Network.ConfirmTimeout,
		PollInterval:   cfg.Network.PollInterval,
		Logger:         e.logger,
	})
	return err
}

func newSigner(cfg config.SignerConfig, chainID *big.Int) (chain.TransactionSigner, error) {
	switch cfg.Type {
	case "remote":
		if cfg.Endpoint == "" || cfg.Address == "" {
			return nil, errors.New("remote signer needs signer.endpoint and signer.address")
		}
		return chain.NewRemoteSigner(chain.RemoteSignerConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Address:  common.HexToAddress(cfg.Address),
			ChainID:  chainID,
		}), nil
	default:
		if cfg.PrivateKey == "" {
			return nil, errors.New("local signer needs signer.private_key (or PRIVATE_KEY)")
		}
		return chain.NewLocalSigner(cfg.PrivateKey, chainID)
	}
}

func (e *env) retryPolicy() retry.Policy {
	x := e.cfg.Executor
	return retry.Policy{
		MaxRetries:     x.MaxRetries,
		InitialBackoff: x.InitialBackoff,
		MaxBackoff:     x.MaxBackoff,
		OpTimeout:      x.OpTimeout,
		Logger:         e.logger,
	}
}

func (e *env) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(e.client, e.reg, e.externals, orchestrator.Config{
		Executor: executor.Config{
			Concurrency: e.cfg.Executor.Concurrency,
			Retry:       e.retryPolicy(),
			Logger:      e.logger,
		},
		Lease:  e.lease,
		Logger: e.logger,
	})
}

// serveMetrics starts the metrics endpoint when configured. It stops with
// ctx.
func (e *env) serveMetrics(ctx context.Context) {
	addr := e.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, e.logger); err != nil {
			e.logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}

// descriptorSet loads path, or generates the set of mode from the topology
// configuration when path is empty.
func descriptorSet(cfg *config.Config, mode orchestrator.Mode, path string) (*descriptor.Set, error) {
	if path != "" {
		return descriptor.LoadFile(path)
	}
	if mode == orchestrator.ModeExtend {
		return topology.Extension(cfg.Topology)
	}
	return topology.Bootstrap(cfg.Topology)
}
