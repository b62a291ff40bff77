// Package copilot – tool_executor.go dispatches decoded tool requests to the
// stores they act on. Every failure becomes a descriptive string for the
// model; nothing is propagated to the dialogue loop.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/mwaai/pkg/mwaai/copilot/memory"
	"github.com/jholhewres/mwaai/pkg/mwaai/metrics"
	"github.com/jholhewres/mwaai/pkg/mwaai/scheduler"
	"github.com/jholhewres/mwaai/pkg/mwaai/timezone"
)

// Recall tuning.
const (
	RecallThreshold = 0.01
	RecallTopK      = 10
)

// ctxKeyDeliveryTarget is the context key for the delivery target of the
// message being handled.
type ctxKeyDeliveryTarget struct{}

// DeliveryTarget identifies where replies and scheduled messages go.
type DeliveryTarget struct {
	// To is the user's address on the channel (phone number).
	To string

	// Endpoint is the channel-side routing handle (phone number ID).
	Endpoint string
}

// ContextWithDelivery returns a new context carrying the delivery target.
// Tools fall back to it when the model leaves the address arguments empty.
func ContextWithDelivery(ctx context.Context, to, endpoint string) context.Context {
	return context.WithValue(ctx, ctxKeyDeliveryTarget{}, DeliveryTarget{To: to, Endpoint: endpoint})
}

// DeliveryTargetFromContext extracts the delivery target from context.
func DeliveryTargetFromContext(ctx context.Context) DeliveryTarget {
	if v, ok := ctx.Value(ctxKeyDeliveryTarget{}).(DeliveryTarget); ok {
		return v
	}
	return DeliveryTarget{}
}

// ToolOutput is the text handed back to the model for one call.
type ToolOutput struct {
	Text   string
	Failed bool
}

// Dispatcher executes tool requests.
type Dispatcher struct {
	timezones timezone.Store
	tasks     scheduler.TaskStore
	memory    memory.SimilarityStore
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. mem may be nil, in which case recall
// always yields an empty list. timeout bounds each call (0 = none).
func NewDispatcher(tz timezone.Store, tasks scheduler.TaskStore, mem memory.SimilarityStore, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		timezones: tz,
		tasks:     tasks,
		memory:    mem,
		timeout:   timeout,
		logger:    logger.With("component", "tools"),
	}
}

// SetMetrics attaches a metrics registry.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Run decodes and executes one wire call.
func (d *Dispatcher) Run(ctx context.Context, name, args string) ToolOutput {
	req, err := DecodeToolCall(name, args)
	if err != nil {
		d.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		d.metrics.RecordToolCall(name, true)
		return failed(name, err)
	}
	return d.Execute(ctx, req)
}

// Execute runs a decoded request under the per-call timeout.
func (d *Dispatcher) Execute(ctx context.Context, req ToolRequest) (out ToolOutput) {
	name := req.ToolName()
	start := time.Now()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			out = failed(name, fmt.Errorf("panic: %v", r))
		}
		d.metrics.RecordToolCall(name, out.Failed)
		d.logger.Debug("tool executed",
			"tool", name,
			"failed", out.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	var (
		result any
		err    error
	)
	switch r := req.(type) {
	case ScheduleExact:
		result, err = d.scheduleExact(ctx, r)
	case ScheduleRelative:
		result, err = d.scheduleRelative(ctx, r)
	case GetTimezone:
		result, err = d.getTimezone(ctx, r)
	case SetTimezone:
		result, err = d.setTimezone(ctx, r)
	case RememberAndRecall:
		result, err = d.rememberAndRecall(ctx, r)
	case UnknownTool:
		d.logger.Warn("unknown tool requested", "tool", r.Name)
		return ToolOutput{Text: fmt.Sprintf("Error: Unknown tool '%s'.", r.Name), Failed: true}
	default:
		panic(fmt.Sprintf("unhandled tool request %T", req))
	}
	if err != nil {
		d.logger.Warn("tool failed", "tool", name, "error", err)
		return failed(name, err)
	}
	return ToolOutput{Text: render(result)}
}

func failed(name string, err error) ToolOutput {
	return ToolOutput{Text: fmt.Sprintf("Error executing %s: %v", name, err), Failed: true}
}

// render returns strings as is and JSON-encodes anything else.
func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// scheduledTask is the tool's view of a created task.
type scheduledTask struct {
	ID            string `json:"id"`
	Message       string `json:"message"`
	Time          string `json:"time"`
	To            string `json:"to"`
	PhoneNumberID string `json:"phone_number_id"`
}

func (d *Dispatcher) scheduleExact(ctx context.Context, r ScheduleExact) (any, error) {
	due, err := parseToolTime(r.TimeStr)
	if err != nil {
		return nil, err
	}
	offset := r.Offset
	if offset == "" {
		offset = "UTC+0"
	}
	hours, err := ParseOffset(offset)
	if err != nil {
		return nil, err
	}
	due = due.Add(-time.Duration(hours) * time.Hour)
	return d.schedule(ctx, "exact", r.Message, due, r.To, r.PhoneNumberID)
}

func (d *Dispatcher) scheduleRelative(ctx context.Context, r ScheduleRelative) (any, error) {
	due, err := parseToolTime(r.TimeStr)
	if err != nil {
		return nil, err
	}
	return d.schedule(ctx, "relative", r.Message, due, r.To, r.PhoneNumberID)
}

func (d *Dispatcher) schedule(ctx context.Context, kind, message string, due time.Time, to, endpoint string) (any, error) {
	target := DeliveryTargetFromContext(ctx)
	if to == "" {
		to = target.To
	}
	if endpoint == "" {
		endpoint = target.Endpoint
	}

	task, err := d.tasks.Append(ctx, scheduler.Task{
		Message:     message,
		DueTime:     due,
		Destination: to,
		Endpoint:    endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("saving task: %w", err)
	}
	d.metrics.RecordTaskScheduled(kind)
	d.logger.Info("task scheduled", "kind", kind, "id", task.ID, "due", task.DueTime, "to", to)

	return scheduledTask{
		ID:            task.ID,
		Message:       task.Message,
		Time:          task.DueTime.Format(time.RFC3339),
		To:            task.Destination,
		PhoneNumberID: task.Endpoint,
	}, nil
}

func parseToolTime(s string) (time.Time, error) {
	t, err := scheduler.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid datetime format: %s", ErrInvalidArgument, s)
	}
	return t, nil
}

// userKey returns key, or the addressee of the current message when empty.
func userKey(ctx context.Context, key string) string {
	if key != "" {
		return key
	}
	return DeliveryTargetFromContext(ctx).To
}

func (d *Dispatcher) getTimezone(ctx context.Context, r GetTimezone) (any, error) {
	offset, err := d.timezones.Get(ctx, userKey(ctx, r.Key))
	if err != nil {
		return nil, err
	}
	return offset, nil
}

func (d *Dispatcher) setTimezone(ctx context.Context, r SetTimezone) (any, error) {
	key := userKey(ctx, r.Key)
	if err := d.timezones.Set(ctx, key, r.Offset); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Timezone for %s set to %s.", key, r.Offset), nil
}

// rememberAndRecall never fails once the record is valid: store errors are
// logged and produce an empty list.
func (d *Dispatcher) rememberAndRecall(ctx context.Context, r RememberAndRecall) (any, error) {
	if r.Record == nil {
		return nil, fmt.Errorf("%w: input_obj with a text field is required", ErrInvalidArgument)
	}
	empty := []map[string]any{}
	if d.memory == nil {
		return empty, nil
	}

	namespace := userKey(ctx, r.Key)
	if namespace == "" {
		namespace = memory.DefaultNamespace
	}
	rec := memory.Record{
		ID:                 uuid.NewString(),
		Text:               r.Record.Text,
		Timestamp:          r.Record.Timestamp,
		FileContentSummary: r.Record.FileContentSummary,
	}

	if err := d.memory.Upsert(ctx, namespace, rec); err != nil {
		d.logger.Warn("memory upsert failed", "namespace", namespace, "error", err)
		return empty, nil
	}
	hits, err := d.memory.Search(ctx, namespace, rec.Text, RecallTopK)
	if err != nil {
		d.logger.Warn("memory search failed", "namespace", namespace, "error", err)
		return empty, nil
	}

	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		if h.Score >= RecallThreshold {
			out = append(out, h.Fields)
		}
	}
	if len(out) > RecallTopK {
		out = out[:RecallTopK]
	}
	return out, nil
}
