package kernel

import (
	"golang.org/x/sync/errgroup"
)

// Matmul computes C <- A*B for A:[M,K] row-major, B:[K,N] row-major,
// C:[M,N] row-major. C is overwritten, never accumulated into; callers
// that need accumulation add the result themselves.
func Matmul(a, b, c []float32, m, k, n int) {
	assertLen(a, m*k, "matmul: A")
	assertLen(b, k*n, "matmul: B")
	assertLen(c, m*n, "matmul: C")

	if m < minParallelRows || NumThreads() <= 1 {
		matmulRows(a, b, c, 0, m, k, n)
		return
	}
	parallelRows(m, func(lo, hi int) {
		matmulRows(a, b, c, lo, hi, k, n)
	})
}

// MatmulTransposeB computes C <- A*Bt for A:[M,K], B:[N,K] (B stored with
// rows = N, cols = K), C:[M,N]. This is the shape attention score
// computation needs (Q . Kt).
func MatmulTransposeB(a, b, c []float32, m, k, n int) {
	assertLen(a, m*k, "matmul_t: A")
	assertLen(b, n*k, "matmul_t: B")
	assertLen(c, m*n, "matmul_t: C")

	if m < minParallelRows || NumThreads() <= 1 {
		matmulTRows(a, b, c, 0, m, k, n)
		return
	}
	parallelRows(m, func(lo, hi int) {
		matmulTRows(a, b, c, lo, hi, k, n)
	})
}

// parallelRows partitions [0,m) into per-worker chunks of rowChunk(m,cores)
// rows and runs fn(lo,hi) for each chunk concurrently. Each worker
// re-derives its own bounds rather than sharing a cursor across threads.
func parallelRows(m int, fn func(lo, hi int)) {
	cores := NumThreads()
	if cores < 1 {
		cores = 1
	}
	chunk := rowChunk(m, cores)

	var g errgroup.Group
	for lo := 0; lo < m; lo += chunk {
		lo := lo
		hi := min(lo+chunk, m)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// matmulRows computes rows [lo,hi) of C <- A*B using cache-blocked
// accumulation. The K and N block sizes come from the detected CPU tier
// (see dispatch.go); the loop body itself is tier-independent Go.
func matmulRows(a, b, c []float32, lo, hi, k, n int) {
	tile := tileFor(hostTier)
	kc := tile.kc
	if kc <= 0 || kc > k {
		kc = k
	}
	nc := tile.nc
	if nc <= 0 || nc > n {
		nc = n
	}

	for i := lo; i < hi; i++ {
		crow := c[i*n : i*n+n]
		for j := range crow {
			crow[j] = 0
		}
	}

	for k0 := 0; k0 < k; k0 += kc {
		k1 := min(k0+kc, k)
		for n0 := 0; n0 < n; n0 += nc {
			n1 := min(n0+nc, n)
			for i := lo; i < hi; i++ {
				arow := a[i*k+k0 : i*k+k1]
				crow := c[i*n+n0 : i*n+n1]
				for kk := k0; kk < k1; kk++ {
					av := arow[kk-k0]
					if av == 0 {
						continue
					}
					brow := b[kk*n+n0 : kk*n+n1]
					for j := range crow {
						crow[j] += av * brow[j]
					}
				}
			}
		}
	}
}

// matmulTRows computes rows [lo,hi) of C <- A*Bt where B is [N,K].
func matmulTRows(a, b, c []float32, lo, hi, k, n int) {
	for i := lo; i < hi; i++ {
		arow := a[i*k : i*k+k]
		crow := c[i*n : i*n+n]
		for j := 0; j < n; j++ {
			brow := b[j*k : j*k+k]
			var sum float32
			for kk := 0; kk < k; kk++ {
				sum += arow[kk] * brow[kk]
			}
			crow[j] = sum
		}
	}
}

func assertLen(s []float32, want int, what string) {
	if debugAsserts && len(s) != want {
		panic(what + ": length mismatch")
	}
}
