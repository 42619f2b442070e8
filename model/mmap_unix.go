//go:build unix

// mmap_unix.go - memory mapping of the tensor data section
//
// Opt-in path for large files: the whole file is mapped read-only and
// quantized weight buffers point straight into the mapping (no copy).
// The Model pins the mapping; Close releases it.
package model

import (
	"os"
	"syscall"
)

func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, syscall.EINVAL
	}

	return syscall.Mmap(int(f.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return syscall.Munmap(data)
}
