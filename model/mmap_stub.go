//go:build !unix

// mmap_stub.go - platforms without mmap support
package model

import "errors"

var errMMapUnsupported = errors.New("model: memory mapping not supported on this platform")

func mapFile(string) ([]byte, error) { return nil, errMMapUnsupported }

func unmapFile([]byte) error { return nil }
