// Package gguf - GGUF file accessor methods
//
// This file holds the lookup methods on File:
// - KeyValue: finds a key-value pair by name
// - NumKeyValues: number of metadata pairs
// - KeyValues: iterator over all metadata pairs
// - TensorInfo: finds a tensor record by name
// - NumTensors: number of tensor records
// - TensorInfos: iterator over all tensor records
// - TensorReader: reader over one tensor's packed data
package gguf

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
)

// KeyValue finds a key-value pair by name. Keys that start with neither
// "general." nor "tokenizer." are automatically prefixed with the
// architecture name
func (f *File) KeyValue(key string) KeyValue {
	if !strings.HasPrefix(key, "general.") && !strings.HasPrefix(key, "tokenizer.") {
		key = f.KeyValue("general.architecture").String() + "." + key
	}

	if index := slices.IndexFunc(f.keyValues.values, func(kv KeyValue) bool {
		return kv.Key == key
	}); index >= 0 {
		return f.keyValues.values[index]
	}

	for keyValue, ok := f.keyValues.next(); ok; keyValue, ok = f.keyValues.next() {
		if keyValue.Key == key {
			return keyValue
		}
	}

	return KeyValue{}
}

// NumKeyValues returns the number of key-value pairs
func (f *File) NumKeyValues() int {
	return int(f.keyValues.count)
}

// KeyValues returns an iterator over all key-value pairs
func (f *File) KeyValues() iter.Seq2[int, KeyValue] {
	return f.keyValues.All()
}

// TensorInfo finds a tensor record by name
func (f *File) TensorInfo(name string) TensorInfo {
	if index := slices.IndexFunc(f.tensors.values, func(t TensorInfo) bool {
		return t.Name == name
	}); index >= 0 {
		return f.tensors.values[index]
	}

	// Fast-forward through the metadata section if not yet consumed
	_ = f.keyValues.rest()
	for tensor, ok := f.tensors.next(); ok; tensor, ok = f.tensors.next() {
		if tensor.Name == name {
			return tensor
		}
	}

	return TensorInfo{}
}

// NumTensors returns the number of tensor records
func (f *File) NumTensors() int {
	return int(f.tensors.count)
}

// TensorInfos returns an iterator over all tensor records
func (f *File) TensorInfos() iter.Seq2[int, TensorInfo] {
	// Fast-forward through the metadata section if not yet consumed
	f.keyValues.rest()
	return f.tensors.All()
}

// TensorDataOffset returns the absolute file offset of the tensor_data[]
// section (after alignment padding), draining the metadata and tensor
// lists if needed
func (f *File) TensorDataOffset() int64 {
	f.keyValues.rest()
	f.tensors.rest()
	return f.offset
}

// TensorReader returns a tensor's record plus a reader over its packed data
func (f *File) TensorReader(name string) (TensorInfo, io.Reader, error) {
	t := f.TensorInfo(name)
	if t.NumBytes() == 0 {
		return TensorInfo{}, nil, fmt.Errorf("tensor %s not found", name)
	}

	// Fast-forward through the tensor records if not yet consumed
	_ = f.tensors.rest()
	return t, io.NewSectionReader(f.file, f.offset+int64(t.Offset), t.NumBytes()), nil
}
