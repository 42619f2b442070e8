// Package kernel implements the numeric building blocks the rest of the
// engine is built on: matmul, activations, normalization and rotary
// embeddings. Nothing here allocates in its steady-state path and nothing
// here returns an error; shape mismatches are precondition violations
// caught by the assert helpers in debug builds only.
package kernel

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Tier describes the vector width the host CPU can execute against. Go has
// no portable intrinsics without hand-written, unverifiable assembly, so
// Tier never changes which machine code runs — every tier executes the same
// tiled Go loops. It only changes the block shape those loops use, which is
// still where most of the real performance difference between AVX-512,
// AVX2 and a bare scalar box comes from.
type Tier int

const (
	TierScalar Tier = iota
	TierNEON
	TierAVX2
	TierAVX512
)

func (t Tier) String() string {
	switch t {
	case TierAVX512:
		return "avx512"
	case TierAVX2:
		return "avx2"
	case TierNEON:
		return "neon"
	default:
		return "scalar"
	}
}

// hostTier is computed once at process start from cpuid feature flags.
var hostTier = detectTier()

func detectTier() Tier {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return TierAVX512
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		return TierAVX2
	case runtime.GOARCH == "arm64":
		return TierNEON
	default:
		return TierScalar
	}
}

// HostTier returns the dispatch tier selected for this process.
func HostTier() Tier { return hostTier }

// tileShape is the per-tier blocking table: an mr x nr micro-tile (6x16
// floats on AVX2-class machines, 6x32 on AVX-512) plus the K and N cache
// block sizes. The matmul loop reads only kc and nc; mr and nr are not
// read by any loop in this package.
type tileShape struct {
	mr, nr int // micro-tile rows/cols
	kc     int // L1 K-blocking depth
	nc     int // L2 N-blocking width
}

func tileFor(t Tier) tileShape {
	switch t {
	case TierAVX512:
		return tileShape{mr: 6, nr: 32, kc: 256, nc: 512}
	case TierAVX2:
		return tileShape{mr: 6, nr: 16, kc: 256, nc: 512}
	case TierNEON:
		return tileShape{mr: 4, nr: 16, kc: 256, nc: 512}
	default:
		return tileShape{mr: 1, nr: 8, kc: 128, nc: 256}
	}
}

// NumThreads returns how many goroutines row-partitioned kernels should use.
// It is set by the caller (envconfig.NumThreads) once at process start and
// otherwise defaults to the number of logical cores.
var NumThreads = runtime.NumCPU

// minParallelRows is the row count at or above which matmul partitions work
// across goroutines.
const minParallelRows = 64

// rowChunk returns the per-worker row chunk size: max(4, M/(2*cores)).
func rowChunk(m, cores int) int {
	c := m / (2 * cores)
	if c < 4 {
		c = 4
	}
	return c
}
