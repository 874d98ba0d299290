// Package copier implements the Threaded File Copier: a
// three-stage reader/transformer/writer pipeline with triple-buffering and
// progress reporting, cooperatively cancellable.
//
// The three OS-thread / barrier-event design this generalizes is expressed here
// as three goroutines connected by two capacity-3 channels — one channel
// per handoff (reader→transformer, transformer→writer). A channel's buffer
// slots are the triple buffer; a blocking send/receive pair is the barrier
// event. This is the idiomatic Go rendering of the same ordering
// guarantee: frame k is filled, then transformed, then written, strictly
// FIFO across k, and the reader may run up to 3 frames ahead of the writer.
package copier

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/crypto"
)

// FrameSize is the fixed frame size the pipeline reads/transforms/writes in,
// matching the original implementation's 16 KiB frames.
const FrameSize = 16 * 1024

// ProgressEvery is the frame interval at which the Writer stage invokes the
// progress callback (≈512 KiB).
const ProgressEvery = 32

// Transform is the minimal interface the copier needs from a crypto
// transform: mutate a frame in place. *crypto.Transform satisfies this.
type Transform interface {
	Process(buf []byte) error
}

// ProgressFunc is invoked from the Writer stage's goroutine every
// ProgressEvery frames with the cumulative bytes written so far.
type ProgressFunc func(bytesDone int64)

// Flag is the atomic run-flag shared across all three stages plus the
// orchestrator. Clearing it (Cancel) is the cooperative-cancellation
// mechanism; all three stages check it on loop entry and at
// each iteration.
type Flag struct {
	running atomic.Bool
}

// NewFlag returns a Flag already in the running state.
func NewFlag() *Flag {
	f := &Flag{}
	f.running.Store(true)
	return f
}

// Cancel clears the run-flag; all three stages observe this and exit.
func (f *Flag) Cancel() { f.running.Store(false) }

// Running reports whether the copy should continue.
func (f *Flag) Running() bool { return f.running.Load() }

type frame struct {
	n   int
	buf []byte
	err error
	eof bool
}

// Copy streams all bytes from src to dst through the three-stage pipeline,
// applying transform to each frame (a nil transform means plain copy).
// flag, if non-nil, lets the caller cancel an in-flight copy from another
// goroutine; a fresh Flag is created if nil. progress, if non-nil, is
// called from the Writer stage every ProgressEvery frames.
//
// Any I/O short-read/short-write or transform error sets a sticky failure
// and Copy returns it once the pipeline has drained. A cancelled copy
// returns ErrAborted; the caller is responsible for removing the
// indeterminate output.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, transform Transform, flag *Flag, progress ProgressFunc) (int64, error) {
	if flag == nil {
		flag = NewFlag()
	}
	if ctx != nil {
		if ctx.Err() != nil {
			flag.Cancel()
		}
		done := ctx.Done()
		if done != nil {
			go func() {
				<-done
				flag.Cancel()
			}()
		}
	}

	filled := make(chan frame, 3)
	transformedCh := make(chan frame, 3)

	// Reader stage. Each frame gets its own buffer, so a frame still queued
	// for a later stage is never overwritten by a subsequent read.
	go func() {
		defer close(filled)
		for {
			if !flag.Running() {
				return
			}
			buf := make([]byte, FrameSize)
			n, err := io.ReadFull(src, buf)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				filled <- frame{n: n, buf: buf, eof: true}
				return
			}
			if err != nil {
				filled <- frame{err: err}
				return
			}
			filled <- frame{n: n, buf: buf}
		}
	}()

	// Transformer stage (skipped entirely for a nil transform: the writer
	// reads directly from `filled`).
	transformerOut := filled
	if transform != nil {
		transformerOut = transformedCh
		go func() {
			defer close(transformedCh)
			for f := range filled {
				if f.err == nil && f.n > 0 {
					if err := transform.Process(f.buf[:f.n]); err != nil {
						f.err = err
					}
				}
				if !flag.Running() {
					// Drain so a reader blocked on a send can reach its
					// own flag check and exit.
					for range filled {
					}
					return
				}
				transformedCh <- f
				if f.err != nil || f.eof {
					return
				}
			}
		}()
	}

	// Writer stage runs on the calling goroutine, which is the
	// orchestrator thread that blocks on completion.
	var total int64
	var frameCount int
	var firstErr error
	for f := range transformerOut {
		if !flag.Running() {
			firstErr = threeerrors.ErrAborted
			break
		}
		if f.err != nil {
			firstErr = f.err
			break
		}
		if f.n > 0 {
			n, err := dst.Write(f.buf[:f.n])
			total += int64(n)
			if err != nil {
				firstErr = threeerrors.NewIoError("write", "", err)
				break
			}
			if n != f.n {
				firstErr = threeerrors.NewIoError("write", "", errors.New("short write"))
				break
			}
			frameCount++
			if progress != nil && frameCount%ProgressEvery == 0 {
				progress(total)
			}
		}
		if f.eof {
			break
		}
	}
	// Drain any remaining frames so the upstream goroutines don't block
	// forever on a channel send after we stopped reading.
	for range transformerOut {
	}
	if firstErr == nil && !flag.Running() {
		firstErr = threeerrors.ErrAborted
	}

	if progress != nil {
		progress(total)
	}

	if firstErr != nil {
		return total, firstErr
	}
	return total, nil
}

// CopyAES is a convenience wrapper constructing an AES-CTR transform from
// key/ctr and running Copy with it — the common case for NCCH section
// streaming and content decryption.
func CopyAES(ctx context.Context, dst io.Writer, src io.Reader, key, ctr [16]byte, flag *Flag, progress ProgressFunc) (int64, error) {
	tr, err := crypto.NewAesCtr(key, ctr)
	if err != nil {
		return 0, err
	}
	return Copy(ctx, dst, src, tr, flag, progress)
}
