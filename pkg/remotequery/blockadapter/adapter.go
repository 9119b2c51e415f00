// Package blockadapter reshapes an inbound result block to match the
// header the caller declared it expects: column selection, value
// casts, and rematerializing constant columns (§4.3 of the design).
package blockadapter

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// Adapt reshapes b to match header. If header is empty, b is
// returned unchanged ("accept anything"). Columns present in b but
// absent from header are dropped; columns present in header but
// absent from b are an error unless header declares them constant.
func Adapt(b *packet.Block, header packet.Header) (*packet.Block, error) {
	if header.Empty() || b == nil {
		return b, nil
	}

	out := &packet.Block{
		NumRows:   b.NumRows,
		BucketNum: b.BucketNum,
		Overflow:  b.Overflow,
		Columns:   make([]packet.Column, 0, len(header.Columns)),
	}

	for _, want := range header.Columns {
		src, ok := b.Get(want.Name)

		if want.Const {
			col, err := adaptConstColumn(want, src, ok, b.NumRows)
			if err != nil {
				return nil, err
			}
			out.Columns = append(out.Columns, col)
			continue
		}

		if !ok {
			return nil, errors.Errorf("block adapter: column %q declared in header %s is missing from block", want.Name, header.String())
		}

		col, err := castColumn(src, want.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "block adapter: casting column %q", want.Name)
		}
		out.Columns = append(out.Columns, col)
	}

	return out, nil
}

// adaptConstColumn implements the constant-column branch of §4.3: if
// the block carries the column, take one element, cast it, and
// rematerialize a constant of the block's row count; otherwise clone
// the header's own constant value resized to the block's row count.
func adaptConstColumn(want packet.ColumnSchema, src packet.Column, present bool, numRows int) (packet.Column, error) {
	if present && len(src.Values) > 0 {
		v, err := castValue(src.Values[0], want.Type)
		if err != nil {
			return packet.Column{}, errors.Wrapf(err, "block adapter: casting constant column %q", want.Name)
		}
		return packet.Column{Name: want.Name, Type: want.Type, Const: true, Values: []interface{}{v}}, nil
	}

	return packet.Column{Name: want.Name, Type: want.Type, Const: true, Values: []interface{}{want.ConstValue}}, nil
}

// castColumn produces a new column with every value cast to typ.
// This is a pure value cast, never a structural reshape.
func castColumn(src packet.Column, typ string) (packet.Column, error) {
	if src.Type == typ {
		return packet.Column{Name: src.Name, Type: typ, Const: src.Const, Values: src.Values}, nil
	}

	values := make([]interface{}, len(src.Values))
	for i, v := range src.Values {
		cast, err := castValue(v, typ)
		if err != nil {
			return packet.Column{}, err
		}
		values[i] = cast
	}
	return packet.Column{Name: src.Name, Type: typ, Const: src.Const, Values: values}, nil
}

// castValue performs the small set of value casts the adapter needs
// to support. Unsupported conversions are a caller error, not a panic.
func castValue(v interface{}, typ string) (interface{}, error) {
	switch typ {
	case "String":
		return toString(v), nil
	case "Int64", "UInt64", "Int32", "UInt32":
		return toInt64(v)
	case "Float64", "Float32":
		return toFloat64(v)
	default:
		// Unrecognized target type: pass the value through unchanged
		// rather than failing a query over a type the adapter doesn't
		// model explicitly.
		return v, nil
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, errors.Errorf("cannot cast %T to an integer type", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, errors.Errorf("cannot cast %T to a float type", v)
	}
}
