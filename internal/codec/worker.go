package codec

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/task"
)

// job is one decode or encode request queued to a Worker.
type job struct {
	run  func()
}

// Worker runs one kind of codec work (decode XOR encode) serialized
// onto a single background goroutine, matching spec §4.6: "the decoder
// runs on a single background thread shared by the Queue" (and the
// encoder symmetrically). sourcegraph/conc's WaitGroup tracks the one
// loop goroutine so Close can join it cleanly.
type Worker struct {
	jobs chan job
	wg   conc.WaitGroup

	mu   sync.Mutex
	busy bool
}

// NewWorker starts a Worker's background loop.
func NewWorker() *Worker {
	w := &Worker{jobs: make(chan job, 1)}
	w.wg.Go(func() {
		for j := range w.jobs {
			j.run()
		}
	})
	return w
}

// Free reports whether the worker is idle, for the Queue's
// NeedDecoder/NeedEncoder assignment check (spec §4.7).
func (w *Worker) Free() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.busy
}

func (w *Worker) run(f func()) {
	w.mu.Lock()
	w.busy = true
	w.mu.Unlock()
	w.jobs <- job{run: func() {
		f()
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}}
}

// Close stops accepting new jobs and waits for the loop to drain.
func (w *Worker) Close() {
	close(w.jobs)
	w.wg.Wait()
}

// DecoderSlot adapts a Worker to task.DecoderSlot: Decode is called from
// the goroutine the Queue starts for each UseDecoder and blocks until
// the decode finishes or ctx is done, with the real work running on the
// Worker's dedicated goroutine so only one decode runs at a time across
// the whole Queue.
type DecoderSlot struct{ W *Worker }

func (s DecoderSlot) Decode(ctx context.Context, partPaths []string, saveDir string, progress *health.Progress) error {
	errCh := make(chan error, 1)
	s.W.run(func() {
		errCh <- DecodePartsToFile(ctx, partPaths, saveDir, progress)
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ErrCancelled
	}
}

// EncoderSlot adapts a Worker to task.EncoderSlot.
type EncoderSlot struct{ W *Worker }

func (s EncoderSlot) Encode(ctx context.Context, sourcePath, fileName string, linesPerPart int, progress *health.Progress) ([]task.EncodedPart, error) {
	type result struct {
		parts []EncodedPart
		err   error
	}
	resCh := make(chan result, 1)
	s.W.run(func() {
		parts, err := EncodeFile(ctx, sourcePath, fileName, linesPerPart, progress)
		resCh <- result{parts: parts, err: err}
	})

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return nil, ErrCancelled
	}
	if res.err != nil {
		return nil, res.err
	}

	out := make([]task.EncodedPart, len(res.parts))
	for i, p := range res.parts {
		out[i] = task.EncodedPart{Number: p.Number, Of: p.Of, Body: p.Body}
	}
	return out, nil
}
