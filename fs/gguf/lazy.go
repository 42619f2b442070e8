// Package gguf - lazy decoding of the metadata and tensor lists
//
// This file holds the generic lazy decoding File uses so metadata and
// tensor lists are only read as far as callers need:
// - bufferedReader: counting io.Reader wrapper over *os.File
// - lazy[T]: reads the element count eagerly, elements on demand
package gguf

import (
	"bufio"
	"io"
)

// bufferedReader wraps a bufio.Reader and tracks the absolute byte offset
// consumed so far, needed to compute the tensor_data[] alignment padding
// before the data section.
type bufferedReader struct {
	*bufio.Reader
	offset int64
}

func newBufferedReader(r io.Reader, size int) *bufferedReader {
	return &bufferedReader{Reader: bufio.NewReaderSize(r, size)}
}

func (r *bufferedReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.offset += int64(n)
	return n, err
}

// lazy decodes a GGUF list (metadata_kv[] or tensor_info[]) one element at
// a time. The element count is read eagerly at construction (it is a
// fixed-width field immediately preceding the list); elements themselves
// are decoded lazily via next(), so a caller that only looks up one
// tensor by name never pays to decode the rest. rest() drains whatever
// remains, and successFunc (if set) runs exactly once, right after the
// last element is decoded, to let File compute follow-up state (e.g. the
// tensor_data[] offset) from the reader's position at that point.
type lazy[T any] struct {
	count       uint64
	values      []T
	decode      func() (T, error)
	done        bool
	stopped     bool
	successFunc func() error
}

func newLazy[T any](f *File, decode func() (T, error)) (*lazy[T], error) {
	count, err := read[uint64](f)
	if err != nil {
		return nil, err
	}
	return &lazy[T]{count: count, decode: decode, values: make([]T, 0, count)}, nil
}

// next decodes and caches the next element, or reports ok=false once every
// element has been consumed (draining successFunc exactly once at that
// point).
func (l *lazy[T]) next() (t T, ok bool) {
	if l.stopped || uint64(len(l.values)) >= l.count {
		if !l.done {
			l.done = true
			if l.successFunc != nil {
				_ = l.successFunc()
			}
		}
		return t, false
	}

	t, err := l.decode()
	if err != nil {
		l.stopped = true
		return t, false
	}

	l.values = append(l.values, t)
	if uint64(len(l.values)) >= l.count {
		l.done = true
		if l.successFunc != nil {
			_ = l.successFunc()
		}
	}
	return t, true
}

// rest decodes and caches every remaining element.
func (l *lazy[T]) rest() []T {
	for {
		if _, ok := l.next(); !ok {
			break
		}
	}
	return l.values
}

// All iterates over every element, draining the list first if needed.
func (l *lazy[T]) All() func(yield func(int, T) bool) {
	return func(yield func(int, T) bool) {
		l.rest()
		for i, v := range l.values {
			if !yield(i, v) {
				return
			}
		}
	}
}

func (l *lazy[T]) stop() {
	l.stopped = true
}
