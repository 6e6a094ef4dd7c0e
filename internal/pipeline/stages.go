// Package pipeline runs mining jobs: load, optional cleaning, discovery,
// visualization and persistence.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/procmine/internal/clean"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/kiranshivaraju/procmine/internal/render"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"github.com/kiranshivaraju/procmine/pkg/petri"
	"github.com/samber/lo"
)

// Stage names, as recorded in error details and metrics.
const (
	StageStart     = "start"
	StageLoad      = "load"
	StageClean     = "clean"
	StageDiscover  = "discover"
	StageVisualize = "visualize"
	StagePersist   = "persist"
)

// Checkpoint messages.
const (
	MsgLoading   = "Loading event log file..."
	MsgCleaning  = "Running data cleaning..."
	MsgRendering = "Generating visualization..."
	MsgComplete  = "Processing complete!"

	// MsgInterrupted is the error recorded on jobs a restart left behind.
	MsgInterrupted = "job interrupted: the server restarted before it finished"
)

// StageError records which stage a job failed in.
type StageError struct {
	Stage string
	Err   error
	// Stack is set when the stage panicked.
	Stack []byte
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Detail is the diagnostic text stored on the failed job.
func (e *StageError) Detail() string {
	if len(e.Stack) == 0 {
		return e.Error()
	}
	return e.Error() + "\n\n" + string(e.Stack)
}

// ProgressFunc records a checkpoint. Returning an error aborts the run.
type ProgressFunc func(ctx context.Context, progress int, message string) error

// Input describes one mining run.
type Input struct {
	Open     func(ctx context.Context) (io.ReadCloser, error)
	Filename string
	Format   eventlog.Format
	Method   discovery.Method
	Clean    bool
}

// Output is what a successful run produced. Image is nil when rendering
// failed; RenderErr then says why.
type Output struct {
	Net         *petri.Net
	PNML        []byte
	Image       []byte
	ImageFormat render.Format
	RenderErr   error
	Stats       models.JobStats
	CleanReport *clean.Report
}

// Stages bundles the stage implementations. Renderer may be nil, in which
// case no image is produced.
type Stages struct {
	Loaders      *eventlog.Registry
	Cleaner      clean.Cleaner
	Miners       *discovery.Registry
	Renderer     render.Renderer
	RenderFormat render.Format
	Metrics      *metrics.Collector
}

// NewStages wires the built-in loaders, cleaner and miners.
func NewStages(h discovery.HeuristicsOptions, r render.Renderer, format render.Format, m *metrics.Collector) *Stages {
	return &Stages{
		Loaders:      eventlog.NewRegistry(),
		Cleaner:      clean.New(),
		Miners:       discovery.NewRegistry(h),
		Renderer:     r,
		RenderFormat: format,
		Metrics:      m,
	}
}

// stage runs fn, turning a cancelled context, an error or a panic into a
// *StageError.
func (s *Stages) stage(ctx context.Context, name string, fn func() error) (err error) {
	if cerr := ctx.Err(); cerr != nil {
		return &StageError{Stage: name, Err: cerr}
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &StageError{Stage: name, Err: fmt.Errorf("panic: %v", rec), Stack: debug.Stack()}
		}
		s.Metrics.StageObserved(name, time.Since(start))
	}()
	if err := fn(); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return se
		}
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

func (s *Stages) load(ctx context.Context, in Input) (*eventlog.Table, error) {
	rc, err := in.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer rc.Close()

	table, err := s.Loaders.Load(ctx, in.Format, rc)
	if err != nil {
		return nil, err
	}
	if _, err := table.ResolveSchema(); err != nil {
		return nil, err
	}
	return table, nil
}

// Traces loads and, when requested, cleans the input and groups it into
// traces. It reports no progress.
func (s *Stages) Traces(ctx context.Context, in Input) ([]eventlog.Trace, error) {
	var table *eventlog.Table
	if err := s.stage(ctx, StageLoad, func() (err error) {
		table, err = s.load(ctx, in)
		return err
	}); err != nil {
		return nil, err
	}
	if in.Clean {
		if err := s.stage(ctx, StageClean, func() (err error) {
			table, _, err = s.Cleaner.Clean(ctx, table)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return table.Traces()
}

// Execute runs every stage in order and reports the checkpoints after the
// initial load message, which the caller records when the job starts.
func (s *Stages) Execute(ctx context.Context, in Input, report ProgressFunc) (*Output, error) {
	out := &Output{}

	var table *eventlog.Table
	err := s.stage(ctx, StageLoad, func() (err error) {
		if table, err = s.load(ctx, in); err != nil {
			return err
		}
		return report(ctx, 30, fmt.Sprintf("Loaded %d events from %s", table.Len(), in.Filename))
	})
	if err != nil {
		return nil, err
	}

	if in.Clean {
		err = s.stage(ctx, StageClean, func() error {
			if err := report(ctx, 40, MsgCleaning); err != nil {
				return err
			}
			cleaned, rep, err := s.Cleaner.Clean(ctx, table)
			if err != nil {
				return err
			}
			table, out.CleanReport = cleaned, &rep
			return report(ctx, 60, fmt.Sprintf("Cleaning complete. %d events after cleaning.", table.Len()))
		})
		if err != nil {
			return nil, err
		}
	}

	var traces []eventlog.Trace
	err = s.stage(ctx, StageDiscover, func() error {
		if err := report(ctx, 70, fmt.Sprintf("Running %s...", in.Method.DisplayName())); err != nil {
			return err
		}
		var err error
		if traces, err = table.Traces(); err != nil {
			return err
		}
		if out.Net, err = s.Miners.Discover(ctx, in.Method, traces); err != nil {
			return err
		}
		out.PNML, err = petri.MarshalPNML(out.Net)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := lo.SumBy(traces, func(tr eventlog.Trace) int { return len(tr.Events) })
	activities := lo.Uniq(lo.FlatMap(traces, func(tr eventlog.Trace, _ int) []string { return tr.Activities() }))
	ns := out.Net.Stats()
	out.Stats = models.JobStats{
		NumEvents:      events,
		NumCases:       len(traces),
		NumActivities:  len(activities),
		NumPlaces:      ns.Places,
		NumTransitions: ns.Transitions,
		NumArcs:        ns.Arcs,
	}

	// Rendering is best-effort: its failure is kept on the output and the
	// run still succeeds.
	err = s.stage(ctx, StageVisualize, func() error {
		if err := report(ctx, 90, MsgRendering); err != nil {
			return err
		}
		if s.Renderer == nil {
			return nil
		}
		img, rerr := s.Renderer.Render(ctx, out.Net, s.RenderFormat)
		if rerr != nil {
			out.RenderErr = rerr
			return nil
		}
		out.Image, out.ImageFormat = img, s.RenderFormat
		return nil
	})
	if err != nil {
		var se *StageError
		if errors.As(err, &se) && len(se.Stack) > 0 {
			out.RenderErr = se
			s.Metrics.RenderFailed()
			return out, nil
		}
		return nil, err
	}
	if out.RenderErr != nil {
		s.Metrics.RenderFailed()
	}
	return out, nil
}

// readerOpener adapts in-memory input for Execute.
func readerOpener(data []byte) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// BytesInput builds an Input over an in-memory log.
func BytesInput(data []byte, filename string, format eventlog.Format, method discovery.Method, cleanLog bool) Input {
	return Input{Open: readerOpener(data), Filename: filename, Format: format, Method: method, Clean: cleanLog}
}
