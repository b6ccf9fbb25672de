// Package bulk runs a function over a slice with a bounded worker pool.
package bulk

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

// Operation configures a pool run
type Operation struct {
	Jobs            int    // 0 = runtime.NumCPU(); 1 processes in slice order
	ContinueOnError bool   // keep going after the first failure
	ShowProgress    bool   // draw a progress bar when stderr is a terminal
	Title           string // progress bar caption
	Logger          *zap.Logger
}

// Result summarizes a pool run. Items never started because of an earlier
// failure or a cancelled context count as neither succeeded nor failed.
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	Errors     []ItemError
}

// ItemError is the failure of one item, identified by its label
type ItemError struct {
	Index int
	Item  string
	Error error
}

// FirstError returns the error of the lowest-indexed failed item, or nil
func (r *Result) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	for _, e := range r.Errors[1:] {
		if e.Index < first.Index {
			first = e
		}
	}
	return fmt.Errorf("%s: %w", first.Item, first.Error)
}

// Strings labels string items with themselves
func Strings(s string) string { return s }

// Run calls fn for every item. label names an item in errors and logs.
func Run[T any](ctx context.Context, op Operation, items []T, label func(T) string, fn func(ctx context.Context, i int, item T) error) *Result {
	res := &Result{TotalItems: len(items)}
	if len(items) == 0 {
		return res
	}
	log := op.Logger
	if log == nil {
		log = zap.NewNop()
	}

	workers := op.Jobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(items))

	var (
		next      atomic.Int64
		done      atomic.Int64
		succeeded atomic.Int64
		stopped   atomic.Bool
		mu        sync.Mutex
		wg        sync.WaitGroup
	)

	stopProgress := func() {}
	if op.ShowProgress && isatty.IsTerminal(os.Stderr.Fd()) {
		stopProgress = drawProgress(os.Stderr, op.title(), workers, len(items), &done, 100*time.Millisecond)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(items) || stopped.Load() || ctx.Err() != nil {
					return
				}
				err := fn(ctx, i, items[i])
				done.Add(1)
				if err == nil {
					succeeded.Add(1)
					continue
				}
				name := label(items[i])
				log.Debug("bulk item failed", zap.String("item", name), zap.Error(err))
				mu.Lock()
				res.Errors = append(res.Errors, ItemError{Index: i, Item: name, Error: err})
				mu.Unlock()
				if !op.ContinueOnError {
					stopped.Store(true)
				}
			}
		}()
	}
	wg.Wait()
	stopProgress()

	res.Succeeded = int(succeeded.Load())
	res.Failed = len(res.Errors)
	return res
}

func (op Operation) title() string {
	if op.Title == "" {
		return "Processing"
	}
	return op.Title
}

// drawProgress redraws a one-line progress bar on w every interval until the
// returned stop func is called, which also clears the line.
func drawProgress(w io.Writer, title string, workers, total int, done *atomic.Int64, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-quit:
				fmt.Fprint(w, "\r\033[K")
				return
			case <-ticker.C:
				c := int(done.Load())
				fmt.Fprintf(w, "\r%s with %d workers... [%s] %d/%d", title, workers, progressBar(c*100/total, 20), c, total)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(quit)
		<-finished
	}
}

func progressBar(percent, width int) string {
	filled := min(percent*width/100, width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
