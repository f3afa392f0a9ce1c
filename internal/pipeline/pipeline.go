package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/decode"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

// DefaultExportFlushDeadline is how long Shutdown waits for the export
// stage to drain before logging a warning. Work is not abandoned and no
// dropped count is reported when it passes; Shutdown keeps waiting.
const DefaultExportFlushDeadline = 5 * time.Second

// Options configures a Runtime.
type Options struct {
	Adapters            []capture.Adapter
	AdapterOptions      capture.Options
	Bundle              *specbundle.Store
	DecoderOptions      decode.Options
	DecodeShards        int
	ChannelDepth        int
	DecodeSweepInterval time.Duration
	EnrichPlugins       []Plugin
	ActPlugins          []Plugin
	ExportPlugins       []Plugin
	ExportFlushDeadline time.Duration
	Log                 *logrus.Logger
}

// Runtime wires Capture -> Decode -> Enrich -> Act -> Export and owns
// cooperative shutdown across all of them.
type Runtime struct {
	adapters   []capture.Adapter
	adapterOpt capture.Options

	rawCh *rawEventChannel

	decode *DecodeStage
	enrich *Stage
	act    *Stage
	export *Stage

	flushDeadline time.Duration
	log           *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Runtime from opts. Call Start to begin processing.
func New(opts Options) *Runtime {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	depth := opts.ChannelDepth
	if depth <= 0 {
		depth = DefaultChannelDepth
	}
	flushDeadline := opts.ExportFlushDeadline
	if flushDeadline <= 0 {
		flushDeadline = DefaultExportFlushDeadline
	}

	rawCh := newRawEventChannel(depth, nil)
	decodeOut := newEventChannel(depth, BlockProducer, nil)
	enrichOut := newEventChannel(depth, BlockProducer, nil)
	actOut := newEventChannel(depth, BlockProducer, nil)

	decodeStage := NewDecodeStage(opts.DecodeShards, opts.Bundle, opts.DecoderOptions, rawCh, decodeOut, opts.DecodeSweepInterval, log)
	enrichStage := NewStage("enrich", decodeOut, enrichOut, opts.EnrichPlugins, log)
	actStage := NewStage("act", enrichOut, actOut, opts.ActPlugins, log)
	exportStage := NewStage("export", actOut, nil, opts.ExportPlugins, log)

	return &Runtime{
		adapters:      opts.Adapters,
		adapterOpt:    opts.AdapterOptions,
		rawCh:         rawCh,
		decode:        decodeStage,
		enrich:        enrichStage,
		act:           actStage,
		export:        exportStage,
		flushDeadline: flushDeadline,
		log:           log,
		done:          make(chan struct{}),
	}
}

// Start attaches every capture adapter and begins staged processing. It
// returns once every adapter confirms attachment; processing continues in
// background goroutines until Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.enrich.Init(runCtx); err != nil {
		cancel()
		return err
	}
	if err := r.act.Init(runCtx); err != nil {
		cancel()
		return err
	}
	if err := r.export.Init(runCtx); err != nil {
		cancel()
		return err
	}

	go r.decode.Run(runCtx)
	go r.enrich.Run(runCtx)
	go r.act.Run(runCtx)
	go func() {
		r.export.Run(runCtx)
		close(r.done)
	}()

	sink := make(chan capture.RawCaptureEvent, 1024)
	go func() {
		for {
			select {
			case ev, ok := <-sink:
				if !ok {
					return
				}
				if !r.rawCh.send(ev) {
					return
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	for _, a := range r.adapters {
		if err := a.Start(runCtx, sink, r.adapterOpt); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"adapter": a.Name()}).Error("pipeline: adapter start failed")
			cancel()
			return err
		}
	}
	return nil
}

// Shutdown stops every adapter first (so kernel-held resources are
// released before any channel closes), then closes the capture boundary
// and lets every stage drain in order. If the export stage has not
// finished within flushDeadline, a warning is logged; Shutdown then still
// waits for each stage's Run to return before shutting down its plugins,
// so it does not return before the export stage has drained.
func (r *Runtime) Shutdown(ctx context.Context) error {
	for _, a := range r.adapters {
		if err := a.Stop(ctx); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"adapter": a.Name()}).Warn("pipeline: adapter stop error")
		}
	}
	r.rawCh.close()
	if r.cancel != nil {
		r.cancel()
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, r.flushDeadline)
	defer cancelFlush()

	select {
	case <-r.done:
	case <-flushCtx.Done():
		r.log.Warn("pipeline: export flush deadline exceeded, still waiting for export stage to drain")
	}

	if err := r.enrich.Shutdown(ctx); err != nil {
		return err
	}
	if err := r.act.Shutdown(ctx); err != nil {
		return err
	}
	return r.export.Shutdown(ctx)
}

// Stats aggregates every stage's counters for the health endpoint.
func (r *Runtime) Stats() map[string]Snapshot {
	return map[string]Snapshot{
		"decode": r.decode.Stats(),
		"enrich": r.enrich.Stats(),
		"act":    r.act.Stats(),
		"export": r.export.Stats(),
	}
}

// StageHealth is one stage's health-endpoint row: name, run state, I/O
// counters and the most recent plugin error (if any).
type StageHealth struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	In        uint64 `json:"in"`
	Out       uint64 `json:"out"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"error"`
	LastError string `json:"last_error,omitempty"`
}

// StageHealth reports every pipeline stage's health row, in Capture ->
// Export order.
func (r *Runtime) StageHealth() []StageHealth {
	decodeSnap := r.decode.Stats()
	enrichSnap := r.enrich.Stats()
	actSnap := r.act.Stats()
	exportSnap := r.export.Stats()
	return []StageHealth{
		{Name: "decode", State: r.decode.State().String(), In: decodeSnap.In, Out: decodeSnap.Out, Dropped: decodeSnap.Dropped, Errors: decodeSnap.Errors, LastError: r.decode.LastError()},
		{Name: "enrich", State: r.enrich.State().String(), In: enrichSnap.In, Out: enrichSnap.Out, Dropped: enrichSnap.Dropped, Errors: enrichSnap.Errors, LastError: r.enrich.LastError()},
		{Name: "act", State: r.act.State().String(), In: actSnap.In, Out: actSnap.Out, Dropped: actSnap.Dropped, Errors: actSnap.Errors, LastError: r.act.LastError()},
		{Name: "export", State: r.export.State().String(), In: exportSnap.In, Out: exportSnap.Out, Dropped: exportSnap.Dropped, Errors: exportSnap.Errors, LastError: r.export.LastError()},
	}
}
