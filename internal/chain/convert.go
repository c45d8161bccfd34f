package chain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// coerceArgs converts loosely typed values (as they come out of YAML or the
// topology generator) to the exact Go types abi.Arguments.Pack expects.
func coerceArgs(inputs abi.Arguments, values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		c, err := coerce(v, inputs[i].Type)
		if err != nil {
			name := inputs[i].Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", name, inputs[i].Type.String(), err)
		}
		out[i] = c
	}
	return out, nil
}

func coerce(v any, t abi.Type) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.IntTy, abi.UintTy:
		return toInteger(v, t)
	case abi.BoolTy:
		return toBool(v)
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case abi.FixedBytesTy:
		return toFixedBytes(v, t)
	case abi.BytesTy:
		return toBytes(v)
	case abi.SliceTy, abi.ArrayTy:
		return toList(v, t)
	case abi.TupleTy:
		return toTuple(v, t)
	default:
		return nil, fmt.Errorf("unsupported ABI type %s", t.String())
	}
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case *common.Address:
		return *a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("%q is not an address", a)
		}
		return common.HexToAddress(a), nil
	default:
		return common.Address{}, fmt.Errorf("cannot use %T as address", v)
	}
}

// ToBigInt converts integers, integral floats and decimal or 0x strings.
func ToBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int8, int16, int32, int64:
		return big.NewInt(reflect.ValueOf(n).Int()), nil
	case uint, uint8, uint16, uint32, uint64:
		return new(big.Int).SetUint64(reflect.ValueOf(n).Uint()), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		b, _ := new(big.Float).SetFloat64(n).Int(nil)
		return b, nil
	case json.Number:
		return ToBigInt(string(n))
	case string:
		s := strings.TrimSpace(n)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return hexutil.DecodeBig(s)
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("%q is not an integer", n)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot use %T as integer", v)
	}
}

func toInteger(v any, t abi.Type) (any, error) {
	n, err := ToBigInt(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("%s cannot be negative", t.String())
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s overflows %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s overflows %s", n, t.String())
		}
	}

	goType := t.GetType()
	if goType == bigIntType {
		return n, nil
	}
	rv := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		rv.SetUint(n.Uint64())
	} else {
		rv.SetInt(n.Int64())
	}
	return rv.Interface(), nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("cannot use %v as bool", v)
}

// toFixedBytes accepts raw bytes, a 0x string of exactly the right length,
// or a short label that is right-padded with zeros (bytes32("ETH-USD")).
func toFixedBytes(v any, t abi.Type) (any, error) {
	var raw []byte
	switch b := v.(type) {
	case []byte:
		raw = b
	case [32]byte:
		raw = b[:]
	case string:
		if strings.HasPrefix(b, "0x") && len(b) == 2+2*t.Size {
			decoded, err := hexutil.Decode(b)
			if err != nil {
				return nil, err
			}
			raw = decoded
		} else {
			raw = []byte(b)
		}
	default:
		return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
	}
	if len(raw) > t.Size {
		return nil, fmt.Errorf("%d bytes do not fit %s", len(raw), t.String())
	}

	arr := reflect.New(t.GetType()).Elem()
	reflect.Copy(arr, reflect.ValueOf(raw))
	return arr.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return hexutil.Decode(b)
	default:
		return nil, fmt.Errorf("cannot use %T as bytes", v)
	}
}

func toList(v any, t abi.Type) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
	}
	n := rv.Len()
	if t.T == abi.ArrayTy && n != t.Size {
		return nil, fmt.Errorf("%s needs %d elements, got %d", t.String(), t.Size, n)
	}

	var out reflect.Value
	if t.T == abi.ArrayTy {
		out = reflect.New(t.GetType()).Elem()
	} else {
		out = reflect.MakeSlice(t.GetType(), n, n)
	}
	for i := 0; i < n; i++ {
		c, err := coerce(rv.Index(i).Interface(), *t.Elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(c))
	}
	return out.Interface(), nil
}

// toTuple builds the anonymous struct go-ethereum packs tuples from. The
// value is either a positional list or a map keyed by component name.
func toTuple(v any, t abi.Type) (any, error) {
	out := reflect.New(t.GetType()).Elem()

	if m, ok := v.(map[string]any); ok {
		for i, name := range t.TupleRawNames {
			raw, ok := m[name]
			if !ok {
				return nil, fmt.Errorf("tuple component %s missing", name)
			}
			c, err := coerce(raw, *t.TupleElems[i])
			if err != nil {
				return nil, fmt.Errorf("component %s: %w", name, err)
			}
			out.Field(i).Set(reflect.ValueOf(c))
		}
		return out.Interface(), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
	}
	if rv.Len() != len(t.TupleElems) {
		return nil, fmt.Errorf("%s needs %d components, got %d", t.String(), len(t.TupleElems), rv.Len())
	}
	for i, elem := range t.TupleElems {
		c, err := coerce(rv.Index(i).Interface(), *elem)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out.Field(i).Set(reflect.ValueOf(c))
	}
	return out.Interface(), nil
}

// FormatValue renders a chain value for comparison and reports. Addresses
// are checksummed and integers are decimal, whatever their Go type.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case common.Address:
		return x.Hex()
	case *common.Address:
		return x.Hex()
	case *big.Int:
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case [32]byte:
		return hexutil.Encode(x[:])
	case string:
		if common.IsHexAddress(x) {
			return common.HexToAddress(x).Hex()
		}
		if n, err := ToBigInt(x); err == nil && !strings.HasPrefix(x, "0x") {
			return n.String()
		}
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := ToBigInt(v)
		return n.String()
	case reflect.Float64, reflect.Float32:
		if n, err := ToBigInt(rv.Float()); err == nil {
			return n.String()
		}
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = FormatValue(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}

// EqualValues compares an expected and an observed value by their
// canonical rendering.
func EqualValues(expected, observed any) bool {
	return strings.EqualFold(FormatValue(expected), FormatValue(observed))
}
