// Package gguf - GGUF metadata and tensor types
//
// This file holds the value types File hands back through
// KeyValue/TensorInfo:
// - Value: typed metadata value with conversion helpers
// - KeyValue: one key-value metadata pair
// - TensorType: GGUF tensor dtype constants (F32, F16, Q4_0, ...)
// - TensorInfo: name/shape/dtype/offset of one tensor record
package gguf

import (
	"fmt"

	"github.com/justinamiller/smallmind/internal/quant"
)

// TensorType is the GGUF dtype code of a tensor.
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ4_0 TensorType = 2
	TensorTypeQ4_1 TensorType = 3
	TensorTypeQ5_0 TensorType = 6
	TensorTypeQ8_0 TensorType = 8
	TensorTypeQ4_K TensorType = 12
	TensorTypeQ6_K TensorType = 14
)

// String returns the llama.cpp-style name of the dtype.
func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ4_1:
		return "Q4_1"
	case TensorTypeQ5_0:
		return "Q5_0"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ4_K:
		return "Q4_K"
	case TensorTypeQ6_K:
		return "Q6_K"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Supported reports whether this loader implements dtype t: F32, F16 and
// the six quantized schemes; anything else surfaces as an
// UnsupportedQuantization error.
func (t TensorType) Supported() bool {
	switch t {
	case TensorTypeF32, TensorTypeF16, TensorTypeQ4_0, TensorTypeQ4_1, TensorTypeQ5_0, TensorTypeQ8_0, TensorTypeQ4_K, TensorTypeQ6_K:
		return true
	default:
		return false
	}
}

// TensorInfo describes one tensor record from the GGUF tensor_info[]
// section: name, shape, dtype and the byte offset of its packed data
// (relative to the start of the tensor_data[] section).
type TensorInfo struct {
	Name   string
	Shape  []uint64
	Type   TensorType
	Offset uint64
}

// NumElements returns the product of Shape.
func (t TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// NumBytes returns the packed, on-disk size of this tensor's data: the
// dense element size for F32/F16, or num_blocks*bytes_per_block for a
// quantized scheme.
func (t TensorInfo) NumBytes() int64 {
	n := t.NumElements()
	switch t.Type {
	case TensorTypeF32:
		return n * 4
	case TensorTypeF16:
		return n * 2
	default:
		if s, ok := t.Type.quantScheme(); ok {
			b := int64(s.BlockElems())
			return (n / b) * int64(s.BlockBytes())
		}
		return 0
	}
}

// quantScheme maps a supported quantized TensorType to its internal/quant
// Scheme tag.
func (t TensorType) quantScheme() (quant.Scheme, bool) {
	switch t {
	case TensorTypeQ4_0:
		return quant.Q4_0, true
	case TensorTypeQ4_1:
		return quant.Q4_1, true
	case TensorTypeQ5_0:
		return quant.Q5_0, true
	case TensorTypeQ8_0:
		return quant.Q8_0, true
	case TensorTypeQ4_K:
		return quant.Q4_K, true
	case TensorTypeQ6_K:
		return quant.Q6_K, true
	default:
		return 0, false
	}
}

// KeyValue is one decoded metadata entry (key_len|key|value_type|value).
type KeyValue struct {
	Key   string
	Value Value
}

// Value wraps the `any` decoded from a metadata entry with typed
// accessors. Each accessor returns the zero value on a type mismatch
// instead of panicking: callers that need a hard failure check for the
// zero value themselves.
type Value struct {
	v any
}

func (v Value) Any() any { return v.v }

func (v Value) String() string {
	if s, ok := v.v.(string); ok {
		return s
	}
	return ""
}

func (v Value) Bool() bool {
	if b, ok := v.v.(bool); ok {
		return b
	}
	return false
}

func (v Value) Int() int {
	switch n := v.v.(type) {
	case uint8:
		return int(n)
	case int8:
		return int(n)
	case uint16:
		return int(n)
	case int16:
		return int(n)
	case uint32:
		return int(n)
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func (v Value) Float() float64 {
	switch n := v.v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return float64(v.Int())
	}
}

func (v Value) Strings() []string {
	s, _ := v.v.([]string)
	return s
}

func (v Value) Uints() []uint64 {
	switch s := v.v.(type) {
	case []uint64:
		return s
	case []uint32:
		out := make([]uint64, len(s))
		for i, n := range s {
			out[i] = uint64(n)
		}
		return out
	case []int32:
		out := make([]uint64, len(s))
		for i, n := range s {
			out[i] = uint64(n)
		}
		return out
	default:
		return nil
	}
}

func (v Value) Floats() []float32 {
	switch s := v.v.(type) {
	case []float32:
		return s
	case []float64:
		out := make([]float32, len(s))
		for i, n := range s {
			out[i] = float32(n)
		}
		return out
	default:
		return nil
	}
}
