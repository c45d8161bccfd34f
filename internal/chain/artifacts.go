package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractArtifact represents a compiled Solidity contract with ABI and bytecode.
type ContractArtifact struct {
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	ContractName     string          `json:"contractName,omitempty"`

	parseOnce sync.Once
	parsed    abi.ABI
	parseErr  error
}

// Bytecode contains the contract bytecode.
// It handles both formats:
// - Simple string: "0x608060..." (Hardhat)
// - Object with "object" field: {"object": "0x608060..."} (Foundry)
type Bytecode struct {
	hex string
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// ParsedABI returns the parsed ABI, parsing it on first use.
func (a *ContractArtifact) ParsedABI() (abi.ABI, error) {
	a.parseOnce.Do(func() {
		a.parsed, a.parseErr = abi.JSON(bytes.NewReader(a.ABI))
	})
	return a.parsed, a.parseErr
}

// BytecodeBytes returns the creation bytecode.
func (a *ContractArtifact) BytecodeBytes() ([]byte, error) {
	code := a.Bytecode.hex
	if code == "" || code == "0x" {
		return nil, fmt.Errorf("contract %s has no creation bytecode", a.ContractName)
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	if strings.Contains(code, "__") {
		return nil, fmt.Errorf("contract %s has unlinked library placeholders", a.ContractName)
	}
	return hexutil.Decode(code)
}

// EncodeConstructorArgs coerces and packs constructor arguments.
func (a *ContractArtifact) EncodeConstructorArgs(args []any) ([]byte, error) {
	parsed, err := a.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}
	if len(args) != len(parsed.Constructor.Inputs) {
		return nil, fmt.Errorf("constructor takes %d arguments, got %d", len(parsed.Constructor.Inputs), len(args))
	}
	if len(args) == 0 {
		return nil, nil
	}

	values, err := coerceArgs(parsed.Constructor.Inputs, args)
	if err != nil {
		return nil, err
	}
	packed, err := parsed.Constructor.Inputs.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack constructor args: %w", err)
	}
	return packed, nil
}

// EncodeFunctionCall coerces and packs a method call.
func (a *ContractArtifact) EncodeFunctionCall(method string, args []any) ([]byte, error) {
	parsed, err := a.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}
	m, ok := parsed.Methods[method]
	if !ok {
		return nil, fmt.Errorf("contract %s has no method %s", a.ContractName, method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", method, len(m.Inputs), len(args))
	}

	values, err := coerceArgs(m.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	packed, err := parsed.Pack(method, values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return packed, nil
}

// DecodeOutput unpacks the return data of method.
func (a *ContractArtifact) DecodeOutput(method string, data []byte) (any, error) {
	parsed, err := a.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}
	values, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// Artifacts indexes compiled contracts by kind.
type Artifacts struct {
	byKind map[string]*ContractArtifact
}

// NewArtifacts builds an index from already-loaded artifacts.
func NewArtifacts(byKind map[string]*ContractArtifact) *Artifacts {
	return &Artifacts{byKind: byKind}
}

// Get returns the artifact for kind.
func (a *Artifacts) Get(kind string) (*ContractArtifact, bool) {
	art, ok := a.byKind[kind]
	return art, ok
}

// Kinds returns the known kinds, sorted.
func (a *Artifacts) Kinds() []string {
	out := make([]string, 0, len(a.byKind))
	for k := range a.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadArtifacts walks dir for Hardhat or Foundry artifact files. A kind is
// the artifact's contractName, falling back to the file name. Debug files
// and build-info are skipped.
func LoadArtifacts(dir string) (*Artifacts, error) {
	byKind := make(map[string]*ContractArtifact)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) != ".json" || strings.HasSuffix(name, ".dbg.json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var artifact ContractArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if len(artifact.ABI) == 0 {
			return nil
		}

		kind := artifact.ContractName
		if kind == "" {
			kind = strings.TrimSuffix(name, ".json")
			artifact.ContractName = kind
		}
		if prev, dup := byKind[kind]; dup && prev.Bytecode.hex != artifact.Bytecode.hex {
			return fmt.Errorf("ambiguous artifact %s found twice under %s", kind, dir)
		}
		byKind[kind] = &artifact
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	if len(byKind) == 0 {
		return nil, fmt.Errorf("no contract artifacts found in %s", dir)
	}

	return &Artifacts{byKind: byKind}, nil
}
