// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-units"
	dto "github.com/prometheus/client_model/go"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"fdxfer/internal/checksum"
	"fdxfer/internal/pkg/flowrate"
	"fdxfer/internal/pkg/null"
	"fdxfer/internal/pkg/sys"
)

func randomFile(t *testing.T, size int) (*os.File, []byte) {
	t.Helper()

	data := make([]byte, size)
	lo.Must(rand.Read(data))

	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, data, 0o644))

	f := lo.Must(os.Open(p))
	t.Cleanup(func() { _ = f.Close() })

	return f, data
}

func destination(t *testing.T) *os.File {
	t.Helper()

	f := lo.Must(os.OpenFile(filepath.Join(t.TempDir(), "dst"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644))
	t.Cleanup(func() { _ = f.Close() })

	return f
}

func transfer(t *testing.T, src, dst *os.File, opt Options) (Result, error) {
	t.Helper()

	return Transfer(context.Background(), int(src.Fd()), int(dst.Fd()), opt)
}

func requireContent(t *testing.T, dst *os.File, want []byte) {
	t.Helper()

	got := lo.Must(os.ReadFile(dst.Name()))
	require.Equal(t, len(want), len(got))
	require.True(t, string(want) == string(got), "content mismatch")
}

// feed writes data into a pipe from another goroutine and closes it.
func feed(t *testing.T, data []byte) *os.File {
	t.Helper()

	return feedChunks(t, data, len(data))
}

// feedChunks is feed with one write per chunk, the reader sees short reads.
func feedChunks(t *testing.T, data []byte, chunk int) *os.File {
	t.Helper()

	r, w := lo.Must2(os.Pipe())
	t.Cleanup(func() { _ = r.Close() })

	go func() {
		defer w.Close()
		for _, c := range lo.Chunk(data, chunk) {
			if _, err := w.Write(c); err != nil {
				return
			}
		}
	}()

	return r
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))

	return m.GetCounter().GetValue()
}

func TestThreadedScenario(t *testing.T) {
	const size = 10 * units.MiB

	src, data := randomFile(t, size)
	dst := destination(t)

	res, err := transfer(t, src, dst, Options{
		Size:      size,
		BlockSize: 64 * units.KiB,
		Bins:      3,
		Threaded:  true,
		Checksum:  checksum.Adler32{},
	})
	require.NoError(t, err)

	require.EqualValues(t, size, res.Bytes)
	require.Equal(t, adler32.Checksum(data), res.Checksum)
	require.Positive(t, res.WriteElapsed)
	require.Positive(t, res.ReadElapsed)
	require.EqualValues(t, size, res.Read.Bytes)
	require.Equal(t, StatusOK, res.Read.Status)
	require.Equal(t, StatusOK, res.Write.Status)
	require.Equal(t, "buffered", res.Write.Strategy)

	requireContent(t, dst, data)
}

func TestChecksumDeterminism(t *testing.T) {
	const size = 3*units.MiB + 123

	src, data := randomFile(t, size)
	want := adler32.Checksum(data)

	for _, threaded := range []bool{false, true} {
		for _, strategy := range []string{"buffered", "direct", "mmap"} {
			for _, block := range []int64{4 * units.KiB, 64 * units.KiB, units.MiB} {
				for _, bins := range []int{1, 2, 5} {
					name := fmt.Sprintf("threaded=%v/%s/block=%d/bins=%d", threaded, strategy, block, bins)
					t.Run(name, func(t *testing.T) {
						_ = lo.Must(src.Seek(0, 0))
						dst := destination(t)

						res, err := transfer(t, src, dst, Options{
							Size:       size,
							BlockSize:  block,
							Bins:       bins,
							MmapWindow: 256 * units.KiB,
							Threaded:   threaded,
							Direct:     strategy == "direct",
							Mmap:       strategy == "mmap",
							Checksum:   checksum.Adler32{},
						})
						require.NoError(t, err)
						require.Equal(t, want, res.Checksum)
						require.EqualValues(t, size, res.Bytes)
						require.Equal(t, strategy, res.Read.Strategy)
						require.Equal(t, strategy, res.Write.Strategy)

						requireContent(t, dst, data)
					})
				}
			}
		}
	}
}

func TestMmapOnPipeFallsBack(t *testing.T) {
	const size = units.MiB + 17

	data := make([]byte, size)
	lo.Must(rand.Read(data))

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			var results []Result
			for _, mmap := range []bool{false, true} {
				dst := destination(t)
				res, err := transfer(t, feed(t, data), dst, Options{
					Size:      size,
					BlockSize: 16 * units.KiB,
					Threaded:  threaded,
					Mmap:      mmap,
					Checksum:  checksum.CRC32C{},
				})
				require.NoError(t, err)
				require.Equal(t, "buffered", res.Read.Strategy)
				requireContent(t, dst, data)

				results = append(results, res)
			}

			require.Equal(t, results[0].Checksum, results[1].Checksum)
			require.Equal(t, results[0].Bytes, results[1].Bytes)
			require.Equal(t, checksum.Sum(checksum.CRC32C{}, data), results[1].Checksum)
		})
	}
}

func TestBinMutualExclusion(t *testing.T) {
	const size = 2 * units.MiB
	const bins = 4

	src, data := randomFile(t, size)
	dst := destination(t)

	var users [bins]int32Counter
	var violations int32Counter
	var entered [2]int32Counter

	res, err := transfer(t, src, dst, Options{
		Size:      size,
		BlockSize: 4 * units.KiB,
		Bins:      bins,
		Threaded:  true,
		Checksum:  checksum.Adler32{},
		hooks: &hooks{
			bin: func(index int, dir Direction, enter bool) {
				if !enter {
					users[index].Add(-1)
					return
				}

				entered[dir].Add(1)
				if users[index].Add(1) > 1 {
					violations.Add(1)
				}
				randomDelay()
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, adler32.Checksum(data), res.Checksum)
	require.Zero(t, violations.Load())
	require.EqualValues(t, size/(4*units.KiB), entered[Read].Load())
	require.EqualValues(t, size/(4*units.KiB), entered[Write].Load())

	requireContent(t, dst, data)
}

func TestReadFailureCancelsWriter(t *testing.T) {
	const size = 8 * units.MiB
	const failAt = units.MiB

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			src, _ := randomFile(t, size)
			dst := destination(t)

			start := time.Now()
			res, err := transfer(t, src, dst, Options{
				Size:      size,
				BlockSize: 64 * units.KiB,
				Bins:      3,
				Threaded:  threaded,
				Timeout:   time.Second * 30,
				Checksum:  checksum.Adler32{},
				hooks: &hooks{
					step: func(s *Side) error {
						if s.dir == Read && s.moved.Load() >= failAt {
							return unix.EIO
						}
						return nil
					},
				},
			})
			require.Less(t, time.Since(start), time.Second*10)

			require.Error(t, err)
			require.ErrorIs(t, err, ErrReadError)
			require.ErrorIs(t, err, unix.EIO)

			var te *TransferError
			require.ErrorAs(t, err, &te)
			require.Equal(t, Read, te.Direction)
			require.EqualValues(t, failAt, te.Bytes)
			require.Equal(t, os.Getpid(), te.Pid)
			require.Contains(t, te.Where, "worker.go:")

			require.Equal(t, StatusCancelled, res.Write.Status)
			require.Less(t, res.Bytes, uint64(size))
		})
	}
}

func TestWriteFailureCancelsReader(t *testing.T) {
	const size = 8 * units.MiB

	src, _ := randomFile(t, size)
	dst := destination(t)

	res, err := transfer(t, src, dst, Options{
		Size:      size,
		BlockSize: 64 * units.KiB,
		Bins:      2,
		Threaded:  true,
		Timeout:   time.Second * 30,
		hooks: &hooks{
			step: func(s *Side) error {
				if s.dir == Write {
					return unix.ENOSPC
				}
				return nil
			},
		},
	})

	require.ErrorIs(t, err, ErrWriteError)
	require.ErrorIs(t, err, unix.ENOSPC)
	require.Equal(t, StatusCancelled, res.Read.Status)
	require.Zero(t, res.Bytes)
}

func TestDirectTruncatesToSize(t *testing.T) {
	size := 3*int(os.Getpagesize()) + 123

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			src, data := randomFile(t, size)
			dst := destination(t)

			res, err := transfer(t, src, dst, Options{
				Size:     int64(size),
				Direct:   true,
				Threaded: threaded,
			})
			require.NoError(t, err)
			require.Equal(t, "direct", res.Write.Strategy)

			st := lo.Must(dst.Stat())
			require.EqualValues(t, size, st.Size())
			requireContent(t, dst, data)
		})
	}
}

func TestDirectShortReads(t *testing.T) {
	const size = 64*units.KiB + 77

	data := make([]byte, size)
	lo.Must(rand.Read(data))

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			dst := destination(t)

			res, err := transfer(t, feedChunks(t, data, 1000), dst, Options{
				Size:      size,
				BlockSize: 16 * units.KiB,
				Direct:    true,
				Threaded:  threaded,
				Checksum:  checksum.Adler32{},
			})
			require.NoError(t, err)
			require.Equal(t, "buffered", res.Read.Strategy)
			require.Equal(t, "direct", res.Write.Strategy)
			require.Equal(t, adler32.Checksum(data), res.Checksum)

			requireContent(t, dst, data)
		})
	}
}

func TestSourceOffset(t *testing.T) {
	const size = 256 * units.KiB

	src, data := randomFile(t, size)
	page := int(sys.PageSize)

	for _, strategy := range []string{"buffered", "direct", "mmap"} {
		for _, off := range []int{page, 100} {
			t.Run(fmt.Sprintf("%s/offset=%d", strategy, off), func(t *testing.T) {
				_ = lo.Must(src.Seek(int64(off), io.SeekStart))
				dst := destination(t)

				res, err := transfer(t, src, dst, Options{
					Size:     int64(size - off),
					Direct:   strategy == "direct",
					Mmap:     strategy == "mmap",
					Checksum: checksum.Adler32{},
				})
				require.NoError(t, err)

				want := strategy
				if off%page != 0 {
					want = "buffered"
				}
				require.Equal(t, want, res.Read.Strategy)
				require.Equal(t, strategy, res.Write.Strategy)
				require.Equal(t, adler32.Checksum(data[off:]), res.Checksum)

				requireContent(t, dst, data[off:])
			})
		}
	}
}

func TestPipeDestination(t *testing.T) {
	const size = units.MiB + 333

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			src, data := randomFile(t, size)

			r, w := lo.Must2(os.Pipe())
			t.Cleanup(func() {
				_ = r.Close()
				_ = w.Close()
			})

			got := make(chan []byte, 1)
			go func() {
				b, _ := io.ReadAll(r)
				got <- b
			}()

			res, err := transfer(t, src, w, Options{
				Size:      size,
				BlockSize: 64 * units.KiB,
				Threaded:  threaded,
				Mmap:      true,
				Direct:    true,
				Checksum:  checksum.Adler32{},
			})
			require.NoError(t, err)
			require.Equal(t, "mmap", res.Read.Strategy)
			require.Equal(t, "buffered", res.Write.Strategy)
			require.Equal(t, adler32.Checksum(data), res.Checksum)

			require.NoError(t, w.Close())
			b := <-got
			require.Equal(t, len(data), len(b))
			require.True(t, string(data) == string(b), "content mismatch")
		})
	}
}

func TestBinWaitTimeout(t *testing.T) {
	src, _ := randomFile(t, units.MiB)
	dst := destination(t)

	var once sync.Once
	res, err := transfer(t, src, dst, Options{
		Size:      units.MiB,
		BlockSize: 64 * units.KiB,
		Bins:      2,
		Threaded:  true,
		Timeout:   time.Millisecond * 100,
		hooks: &hooks{
			step: func(s *Side) error {
				// the reader stalls longer than the writer waits, extension included
				if s.dir == Read {
					once.Do(func() { time.Sleep(time.Millisecond * 500) })
				}
				return nil
			},
		},
	})

	require.ErrorIs(t, err, ErrCoordination)
	require.ErrorIs(t, err, unix.ETIMEDOUT)
	require.Equal(t, StatusCoordinationError, res.Write.Status)
	require.Equal(t, StatusCancelled, res.Read.Status)
	require.Contains(t, res.Write.Where, "pipeline.go:")
}

func TestBadDescriptor(t *testing.T) {
	src, _ := randomFile(t, units.MiB)

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			res, err := Transfer(context.Background(), int(src.Fd()), -1, Options{Size: units.MiB, Threaded: threaded})
			require.ErrorIs(t, err, ErrWriteError)
			require.ErrorIs(t, err, unix.EBADF)
			require.Zero(t, res.Bytes)
			require.Zero(t, res.Read.Bytes)

			dst := destination(t)
			res, err = Transfer(context.Background(), -1, int(dst.Fd()), Options{Size: units.MiB, Threaded: threaded})
			require.ErrorIs(t, err, ErrReadError)
			require.ErrorIs(t, err, unix.EBADF)
			require.Zero(t, res.Bytes)
		})
	}
}

func TestReadinessTimeout(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			r, w := lo.Must2(os.Pipe())
			t.Cleanup(func() {
				_ = r.Close()
				_ = w.Close()
			})

			dst := destination(t)

			start := time.Now()
			res, err := transfer(t, r, dst, Options{
				Size:     units.MiB,
				Threaded: threaded,
				Timeout:  time.Millisecond * 100,
			})
			require.Less(t, time.Since(start), time.Second*5)

			require.ErrorIs(t, err, ErrReadinessTimeout)
			require.Zero(t, res.Bytes)
			require.Zero(t, res.Read.Bytes)
			require.Equal(t, StatusReadinessTimeout, res.Read.Status)
		})
	}
}

func TestShortSource(t *testing.T) {
	src, data := randomFile(t, 100*units.KiB)
	dst := destination(t)

	res, err := transfer(t, src, dst, Options{Size: units.MiB, Mmap: true})
	require.ErrorIs(t, err, ErrReadinessTimeout)
	require.Equal(t, "buffered", res.Read.Strategy)
	require.EqualValues(t, len(data), res.Read.Bytes)
}

func TestInitialChecksum(t *testing.T) {
	const size = 300 * units.KiB

	src, data := randomFile(t, size)
	dst := destination(t)

	res, err := transfer(t, src, dst, Options{
		Size:            size,
		Threaded:        true,
		Checksum:        checksum.Adler32{},
		InitialChecksum: null.New[uint32](0),
	})
	require.NoError(t, err)
	require.Equal(t, checksum.Adler32{}.Update(0, data), res.Checksum)
}

func TestZeroSize(t *testing.T) {
	src, _ := randomFile(t, 10)
	dst := destination(t)

	res, err := transfer(t, src, dst, Options{Size: 0, Threaded: true, Checksum: checksum.Adler32{}})
	require.NoError(t, err)
	require.Zero(t, res.Bytes)
	require.Equal(t, uint32(1), res.Checksum)
}

func TestNegativeSize(t *testing.T) {
	src, _ := randomFile(t, 10)
	dst := destination(t)

	_, err := transfer(t, src, dst, Options{Size: -1})
	require.ErrorIs(t, err, ErrCoordination)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestContextCancel(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			r, w := lo.Must2(os.Pipe())
			t.Cleanup(func() {
				_ = r.Close()
				_ = w.Close()
			})

			dst := destination(t)

			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
			defer cancel()

			start := time.Now()
			res, err := Transfer(ctx, int(r.Fd()), int(dst.Fd()), Options{
				Size:     units.MiB,
				Threaded: threaded,
				Timeout:  time.Second * 10,
			})
			require.Less(t, time.Since(start), time.Second*5)

			require.ErrorIs(t, err, ErrCoordination)
			require.ErrorIs(t, err, unix.ECANCELED)
			require.Equal(t, StatusCoordinationError, res.Read.Status)
			require.Equal(t, StatusCoordinationError, res.Write.Status)
		})
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			src, _ := randomFile(t, 4*units.MiB)
			dst := destination(t)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			res, err := Transfer(ctx, int(src.Fd()), int(dst.Fd()), Options{
				Size:     4 * units.MiB,
				Threaded: threaded,
			})
			require.ErrorIs(t, err, ErrCoordination)
			require.ErrorIs(t, err, unix.ECANCELED)
			require.Less(t, res.Bytes, uint64(4*units.MiB))
		})
	}
}

func TestSafetyCeiling(t *testing.T) {
	r, w := lo.Must2(os.Pipe())
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	dst := destination(t)

	res, err := transfer(t, r, dst, Options{
		Size:          units.MiB,
		Threaded:      true,
		Timeout:       time.Millisecond * 500,
		SafetyCeiling: time.Millisecond * 50,
	})
	require.ErrorIs(t, err, ErrCoordination)
	require.ErrorIs(t, err, unix.ETIMEDOUT)
	require.Zero(t, res.Bytes)
}

func TestSafetyCeilingBlockedWriter(t *testing.T) {
	const size = 4 * units.MiB

	src, _ := randomFile(t, size)

	// a pipe nobody reads, the writer blocks inside write(2)
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		// the worker left behind returns with EPIPE
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})

	start := time.Now()
	res, err := Transfer(context.Background(), int(src.Fd()), fds[1], Options{
		Size:          size,
		Threaded:      true,
		Timeout:       time.Second * 10,
		SafetyCeiling: time.Millisecond * 300,
	})
	require.Less(t, time.Since(start), time.Second*3)

	require.ErrorIs(t, err, ErrCoordination)
	require.ErrorIs(t, err, unix.ETIMEDOUT)
	require.Equal(t, StatusCoordinationError, res.Write.Status)
	require.Less(t, res.Bytes, uint64(size))
}

func TestMmapSegments(t *testing.T) {
	const block = 64 * units.KiB
	const size = 5*block + 1000

	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			src, data := randomFile(t, size)
			dst := destination(t)

			syncs := segmentSyncs.WithLabelValues("sync")
			before := counterValue(t, syncs)

			res, err := transfer(t, src, dst, Options{
				Size:       size,
				BlockSize:  block,
				MmapWindow: 2 * block,
				Mmap:       true,
				Threaded:   threaded,
				Checksum:   checksum.Adler32{},
			})
			require.NoError(t, err)
			require.Equal(t, "mmap", res.Read.Strategy)
			require.Equal(t, "mmap", res.Write.Strategy)
			require.Equal(t, adler32.Checksum(data), res.Checksum)

			// two full segments before their unmap, the last one at its final
			// flush and again when the write side finishes
			require.EqualValues(t, 4, counterValue(t, syncs)-before)

			requireContent(t, dst, data)
		})
	}
}

func TestMmapWriteOnlyFallsBack(t *testing.T) {
	const size = 200 * units.KiB

	src, data := randomFile(t, size)
	dst := lo.Must(os.OpenFile(filepath.Join(t.TempDir(), "dst"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644))
	t.Cleanup(func() { _ = dst.Close() })

	res, err := transfer(t, src, dst, Options{Size: size, Mmap: true})
	require.NoError(t, err)
	require.Equal(t, "mmap", res.Read.Strategy)
	require.Equal(t, "buffered", res.Write.Strategy)

	requireContent(t, dst, data)
}

func TestRateLimit(t *testing.T) {
	const size = units.MiB + units.MiB/2

	src, data := randomFile(t, size)
	dst := destination(t)

	start := time.Now()
	res, err := transfer(t, src, dst, Options{
		Size:      size,
		BlockSize: 64 * units.KiB,
		Threaded:  true,
		RateLimit: units.MiB,
	})
	require.NoError(t, err)
	require.EqualValues(t, size, res.Bytes)

	// the bucket starts with one second of tokens
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond*400)

	requireContent(t, dst, data)
}

func TestTransferFiles(t *testing.T) {
	const size = 500 * units.KiB

	src, data := randomFile(t, size)
	dst := destination(t)

	var read, write *flowrate.Monitor
	res, err := TransferFiles(context.Background(), src, dst, Options{
		Size:     size,
		Threaded: true,
		OnStart: func(r, w *flowrate.Monitor) {
			read, write = r, w
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, size, res.Bytes)

	require.NotNil(t, read)
	require.EqualValues(t, size, read.Status().Total)
	require.EqualValues(t, size, write.Status().Total)
	require.False(t, write.Status().Active)

	requireContent(t, dst, data)
}

func TestTransferErrorIs(t *testing.T) {
	err := error(&TransferError{Status: StatusCancelled, Direction: Write, Errno: unix.ECANCELED, Msg: "peer failed"})

	require.ErrorIs(t, err, ErrCancelled)
	require.False(t, errors.Is(err, ErrReadError))
	require.ErrorIs(t, err, unix.ECANCELED)
	require.Contains(t, err.Error(), "write side: cancelled: peer failed")

	require.NoError(t, (&TransferError{}).Unwrap())
}
