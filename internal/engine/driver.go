// Package engine drives flow runs: it walks a parsed graph from Start,
// dispatches every visited node to its registered runner and assembles the
// run's trace and final output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultMaxSteps bounds the number of node visits in one run.
const DefaultMaxSteps = 1000

// RunRecorder persists finished runs, e.g. for the debug panel.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *RunResult) error
}

// Options configure a Driver. Zero values select defaults.
type Options struct {
	// MaxSteps caps node visits per run, nested scopes included.
	MaxSteps int
	// RunTimeout, when positive, bounds the wall-clock time of a run.
	RunTimeout time.Duration
	Logger     *slog.Logger
	Recorder   RunRecorder
	Hub        streaming.EventHub
	Metrics    *metrics.Collector
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID         string                               `json:"run_id"`
	FlowID        string                               `json:"flow_id"`
	Trigger       *schema.Trigger                      `json:"trigger,omitempty"`
	Success       bool                                 `json:"success"`
	VertexResults []*execution.VertexResult            `json:"vertex_results"`
	FinalOutput   map[string]any                       `json:"final_output,omitempty"`
	Scratch       map[string]map[string]map[string]any `json:"-"`
	Error         *schema.FlowError                    `json:"error,omitempty"`
	StartedAt     time.Time                            `json:"started_at"`
	DurationMs    int64                                `json:"duration_ms"`
}

// Driver executes flows. It is safe for concurrent use; each Execute call
// owns its own execution context.
type Driver struct {
	registry *execution.Registry
	maxSteps int
	timeout  time.Duration
	logger   *slog.Logger
	recorder RunRecorder
	hub      streaming.EventHub
	metrics  *metrics.Collector
}

var _ execution.Walker = (*Driver)(nil)

// New creates a Driver dispatching to the runners in reg.
func New(reg *execution.Registry, opts Options) *Driver {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		registry: reg,
		maxSteps: opts.MaxSteps,
		timeout:  opts.RunTimeout,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
	}
}

// Registry returns the runner registry the driver dispatches to.
func (d *Driver) Registry() *execution.Registry { return d.registry }

// Execute runs g for one trigger. The returned result is never nil; the
// error is non-nil exactly when the run failed and equals result.Error.
func (d *Driver) Execute(ctx context.Context, g *graph.Graph, trigger *schema.Trigger) (*RunResult, error) {
	// The caller's trigger may feed several runs at once.
	trigger = trigger.Clone()
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = time.Now().UTC()
	}

	res := &RunResult{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	if g == nil {
		return d.fail(res, schema.NewError(schema.ErrCodeValidation, "graph is nil"))
	}
	res.FlowID = g.ID()

	if err := d.registry.CheckGraph(g); err != nil {
		return d.fail(res, err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx = logging.WithRun(ctx, res.RunID, res.FlowID, trigger.AgentID)
	log := logging.LogWith(ctx, d.logger)

	ec := execution.NewContext(res.RunID, trigger, g)
	ec.BindWalker(d)
	ec.SaveOutput(g.Start(), startOutput(trigger))

	d.metrics.RunStarted()
	d.publish(ctx, streaming.RunEvent{
		RunID: res.RunID, FlowID: res.FlowID, NodeID: g.Start(), Type: schema.EventRunStarted,
		Payload: map[string]any{"source": string(trigger.Source), "content": trigger.Content},
	})
	log.Info("run started", slog.String("source", string(trigger.Source)))

	outcome, err := d.WalkScope(ctx, g.DefaultChildren(g.Start()), ec, execution.Bounds{})

	res.VertexResults = ec.Trace()
	res.Scratch = ec.Scratch()
	if outcome != nil {
		res.FinalOutput = outcome.Output
	}
	res.Success = err == nil
	res.Error = schema.AsFlowError(err)
	res.DurationMs = time.Since(res.StartedAt).Milliseconds()

	d.metrics.RunFinished(res.FlowID, res.Success, time.Since(res.StartedAt))
	d.finish(ctx, log, res)
	if err != nil {
		return res, res.Error
	}
	return res, nil
}

// fail ends a run that never started walking.
func (d *Driver) fail(res *RunResult, err error) (*RunResult, error) {
	res.Error = schema.AsFlowError(err)
	res.DurationMs = time.Since(res.StartedAt).Milliseconds()
	d.logger.Warn("run rejected", slog.String("run_id", res.RunID), slog.String("error", err.Error()))
	return res, res.Error
}

func (d *Driver) finish(ctx context.Context, log *slog.Logger, res *RunResult) {
	// Cancelled runs still report and record their outcome.
	ctx = context.WithoutCancel(ctx)

	evt := streaming.RunEvent{RunID: res.RunID, FlowID: res.FlowID, Type: schema.EventRunCompleted,
		Payload: map[string]any{"duration_ms": res.DurationMs, "steps": len(res.VertexResults)}}
	if res.Success {
		log.Info("run completed", slog.Int64("duration_ms", res.DurationMs), slog.Int("steps", len(res.VertexResults)))
	} else {
		evt.Type = schema.EventRunFailed
		evt.NodeID = res.Error.NodeID
		evt.Payload["error"] = res.Error.Error()
		evt.Payload["code"] = res.Error.Code
		log.Error("run failed", slog.String("error", res.Error.Error()), slog.Int64("duration_ms", res.DurationMs))
	}
	d.publish(ctx, evt)

	if d.recorder != nil {
		if err := d.recorder.RecordRun(ctx, res); err != nil {
			log.Warn("record run", slog.String("error", err.Error()))
		}
	}
}

// RunFlow walks a whole sub-flow in ec's namespace. The flow's Start node
// receives inputs and the walk returns at the first End node.
func (d *Driver) RunFlow(ctx context.Context, ec *execution.Context, inputs map[string]any) (*execution.ScopeOutcome, error) {
	g := ec.Graph()
	if inputs == nil {
		inputs = map[string]any{}
	}
	ec.SaveOutput(g.Start(), inputs)
	logging.LogWith(ctx, d.logger).Debug("entering flow",
		slog.String("flow_id", g.ID()), slog.String("namespace", ec.Namespace()))
	return d.WalkScope(ctx, g.DefaultChildren(g.Start()), ec, execution.Bounds{
		Container:   ec.Namespace(),
		ReturnOnEnd: true,
	})
}

type frame struct {
	id     string
	parent *execution.VertexResult
}

// WalkScope visits entry and everything reachable from it, breadth first.
// Reaching b.LoopHeader ends that path of the iteration; a LoopStop ends the
// walk; an End ends it when b.ReturnOnEnd is set.
func (d *Driver) WalkScope(ctx context.Context, entry []string, ec *execution.Context, b execution.Bounds) (*execution.ScopeOutcome, error) {
	out := &execution.ScopeOutcome{Exit: execution.ExitDrained}
	if b.LoopHeader != "" {
		d.publish(ctx, streaming.RunEvent{
			RunID: ec.RunID(), FlowID: ec.Graph().ID(), NodeID: b.LoopHeader, Namespace: ec.Namespace(),
			Type: schema.EventLoopIteration, Payload: map[string]any{"iteration": b.Iteration},
		})
	}

	queue := make([]frame, 0, len(entry))
	for _, id := range entry {
		queue = append(queue, frame{id: id})
	}

	var lastOK, endOutput map[string]any
	reachedEnd := false

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		if b.LoopHeader != "" && f.id == b.LoopHeader {
			out.LoopedBack = true
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, cancelled(err)
		}
		node, ok := ec.Graph().Node(f.id)
		if !ok {
			return out, schema.NewErrorf(schema.ErrCodeNotFound, "node %q does not exist", f.id).WithNode(f.id)
		}
		if step := ec.NextStep(); step > d.maxSteps {
			return out, schema.NewErrorf(schema.ErrCodeLimitExceeded, "run exceeded %d steps", d.maxSteps).
				WithNode(node.ID).
				WithDetails(map[string]any{"max_steps": d.maxSteps})
		}

		vr, err := d.visit(ctx, node, ec, f.parent, b.Iteration)
		out.Visited++
		if err != nil {
			if !schema.IsBranchAbort(err) {
				return out, err
			}
			// An aborted node may already have chosen a fallback branch.
			if vr.ChildrenChosen() {
				for _, id := range vr.Children() {
					queue = append(queue, frame{id: id, parent: vr})
				}
			}
			continue
		}

		switch node.Kind {
		case schema.NodeKindLoopStop:
			out.Exit = execution.ExitStop
			out.Output = lastOK
			return out, nil
		case schema.NodeKindEnd:
			endOutput, reachedEnd = vr.Output(), true
			if b.ReturnOnEnd {
				out.Exit = execution.ExitEnd
				out.Output = endOutput
				return out, nil
			}
		}
		lastOK = vr.Output()

		for _, id := range next(ec.Graph(), node, vr) {
			queue = append(queue, frame{id: id, parent: vr})
		}
	}

	if reachedEnd {
		out.Output = endOutput
	} else {
		out.Output = lastOK
	}
	return out, nil
}

// next returns the frontier contributed by a successful visit.
func next(g *graph.Graph, node *schema.NodeDefinition, vr *execution.VertexResult) []string {
	if vr.ChildrenChosen() {
		return vr.Children()
	}
	if node.Kind == schema.NodeKindEnd {
		return nil
	}
	return g.DefaultChildren(node.ID)
}

// visit runs one node and records its vertex result on the run.
func (d *Driver) visit(ctx context.Context, node *schema.NodeDefinition, ec *execution.Context, parent *execution.VertexResult, iteration int) (*execution.VertexResult, error) {
	vr := execution.NewVertexResult(node, ec.Namespace(), iteration)
	ec.Record(vr)

	nctx := logging.WithNodeID(ctx, node.ID)
	var upstream []*execution.VertexResult
	if parent != nil {
		upstream = []*execution.VertexResult{parent}
	}

	runner, err := d.registry.Resolve(node.Kind, node.Version)
	if err == nil {
		err = d.safeRun(nctx, runner, vr, ec, upstream)
	}
	if err != nil {
		err = attachNode(err, node.ID)
	}
	vr.Finish(err)

	if err == nil {
		ec.SaveOutput(node.ID, vr.Output())
	}
	d.observe(nctx, ec, vr, err)
	return vr, err
}

func (d *Driver) safeRun(ctx context.Context, r execution.Runner, vr *execution.VertexResult, ec *execution.Context, upstream []*execution.VertexResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.LogWith(ctx, d.logger).Error("runner panicked",
				slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			err = schema.NewErrorf(schema.ErrCodeInternal, "runner for %s panicked: %v", vr.Kind(), p)
		}
	}()
	return r.Run(ctx, vr, ec, upstream)
}

// observe reports a finished visit to the logger, hub and metrics.
func (d *Driver) observe(ctx context.Context, ec *execution.Context, vr *execution.VertexResult, err error) {
	log := logging.LogWith(ctx, d.logger)
	status := metrics.StatusSuccess
	evt := streaming.RunEvent{
		RunID:     ec.RunID(),
		FlowID:    ec.Graph().ID(),
		NodeID:    vr.NodeID(),
		NodeKind:  string(vr.Kind()),
		Namespace: ec.Namespace(),
		Type:      schema.EventNodeCompleted,
		Payload: map[string]any{
			"iteration":   vr.Iteration(),
			"duration_ms": vr.Duration().Milliseconds(),
			"children":    vr.Children(),
		},
	}

	switch {
	case err == nil:
		log.Debug("node completed", slog.String("kind", string(vr.Kind())), slog.Duration("duration", vr.Duration()))
	case schema.IsBranchAbort(err):
		status = metrics.StatusAborted
		evt.Type = schema.EventNodeAborted
		evt.Payload["error"] = err.Error()
		log.Warn("branch aborted", slog.String("kind", string(vr.Kind())), slog.String("error", err.Error()))
	default:
		status = metrics.StatusFailed
		evt.Type = schema.EventNodeFailed
		evt.Payload["error"] = err.Error()
		log.Error("node failed", slog.String("kind", string(vr.Kind())), slog.String("error", err.Error()))
	}

	d.metrics.NodeFinished(string(vr.Kind()), status, vr.Duration())
	d.publish(ctx, evt)
}

func (d *Driver) publish(ctx context.Context, evt streaming.RunEvent) {
	if d.hub == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if err := d.hub.Publish(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Debug("publish run event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}

// startOutput is what a flow's Start node exposes to the rest of the run.
func startOutput(t *schema.Trigger) map[string]any {
	out := make(map[string]any, len(t.Params)+3)
	for k, v := range t.Params {
		out[k] = v
	}
	attachments := make([]any, 0, len(t.Attachments))
	for _, a := range t.Attachments {
		attachments = append(attachments, map[string]any{"url": a.URL, "name": a.Name, "mime_type": a.MimeType})
	}
	out["content"] = t.Content
	out["attachments"] = attachments
	out["message_id"] = t.MessageID
	return out
}

func cancelled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeLimitExceeded, "run timed out").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
}

// attachNode makes sure a node failure names the node.
func attachNode(err error, nodeID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeID == "" {
			fe.NodeID = nodeID
		}
		return err
	}
	return fmt.Errorf("node %s: %w", nodeID, err)
}
