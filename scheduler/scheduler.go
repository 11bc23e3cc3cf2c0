// Package scheduler implements the single-writer wall-clock/interval
// trigger loop (§4.11): it polls a set of schedule definitions, and for
// every one whose next_run_at has arrived, atomically advances next_run_at
// and asks the engine to create an execution.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/telemetry"
)

// Definition is a schedule's static configuration: what to run and when.
// Mutable run-time state (next_run_at) is not stored here; it lives in the
// broker K/V so concurrent Scheduler replicas can CAS over it without a
// round trip through the definition store on every tick.
type Definition struct {
	ID             string
	CatalogPath    string
	CatalogVersion string
	Workload       json.RawMessage
	// Expression is a standard 5-field cron spec or a "@every <duration>"
	// descriptor, parsed by robfig/cron's standard parser.
	Expression string
	// Timezone is an IANA location name ("UTC", "America/New_York"); cron
	// fields are evaluated against wall-clock time in this zone so DST
	// transitions do not shift the intended time of day.
	Timezone string
	Enabled  bool
}

// DefinitionStore lists the schedules a Scheduler should evaluate. Creating,
// editing or disabling schedules is out of scope here (no CLI/API surface
// per spec.md's Non-goals); a store implementation backs this from whatever
// durable catalog owns schedule definitions.
type DefinitionStore interface {
	List(ctx context.Context) ([]Definition, error)
}

// ExecutionCreator is the seam the Execution Engine (C7) satisfies. Scoped
// to the one method the scheduler needs, the same narrow-interface idiom
// TaskPublisher/LoopAdvancer/DispatcherClient already use to avoid a
// dependency on the concrete engine.Engine type.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, catalogPath, catalogVersion string, workload json.RawMessage, parentExecutionID ids.ID) (ids.ID, error)
}

// Options configures a Scheduler.
type Options struct {
	Definitions  DefinitionStore
	Broker       broker.Broker
	Creator      ExecutionCreator
	PollInterval time.Duration
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// Scheduler is the single-writer-per-schedule polling loop. Multiple
// Scheduler processes may run concurrently against the same broker K/V;
// the CAS on each schedule's next_run_at key, together with a put-if-absent
// claim on the occurrence it advances past, ensures only one of them wins
// a given firing.
type Scheduler struct {
	definitions DefinitionStore
	kv          broker.KV
	creator     ExecutionCreator
	interval    time.Duration
	logger      telemetry.Logger
	metrics     telemetry.Metrics
}

// New validates opts and returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("scheduler: Definitions store is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("scheduler: Broker is required")
	}
	if opts.Creator == nil {
		return nil, fmt.Errorf("scheduler: Creator is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Scheduler{
		definitions: opts.Definitions,
		kv:          opts.Broker.KV(),
		creator:     opts.Creator,
		interval:    interval,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

func nextRunKey(id string) string { return "schedule:" + id + ":next_run_at" }

// Run polls at the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once. Exported so callers (tests, a
// one-shot cron invocation) can drive the loop without waiting on the
// ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	defs, err := s.definitions.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "scheduler: list definitions failed", "error", err)
		return
	}
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		s.evaluate(ctx, def)
	}
}

// evaluate checks one schedule's next_run_at and fires it if due, via a
// compare-and-set plus a put-if-absent claim so that at most one concurrent
// Scheduler wins the firing.
func (s *Scheduler) evaluate(ctx context.Context, def Definition) {
	loc, err := time.LoadLocation(def.Timezone)
	if err != nil {
		loc = time.UTC
	}

	sched, err := cron.ParseStandard(def.Expression)
	if err != nil {
		s.logger.Error(ctx, "scheduler: invalid expression", "schedule_id", def.ID, "error", err)
		return
	}

	key := nextRunKey(def.ID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Error(ctx, "scheduler: kv get failed", "schedule_id", def.ID, "error", err)
		return
	}
	if !ok {
		// First time this schedule is observed: seed next_run_at without
		// firing, so a freshly created schedule runs on its next natural
		// occurrence rather than immediately.
		seed := sched.Next(time.Now().In(loc))
		if _, err := s.kv.SetIfAbsent(ctx, key, formatTime(seed), 0); err != nil {
			s.logger.Error(ctx, "scheduler: kv seed failed", "schedule_id", def.ID, "error", err)
		}
		return
	}

	nextRunAt, err := parseTime(raw)
	if err != nil {
		s.logger.Error(ctx, "scheduler: corrupt next_run_at", "schedule_id", def.ID, "error", err)
		return
	}
	now := time.Now().In(loc)
	if now.Before(nextRunAt) {
		return
	}

	advanced := sched.Next(nextRunAt.In(loc))
	won, err := s.kv.CompareAndSet(ctx, key, raw, formatTime(advanced))
	if err != nil {
		s.logger.Error(ctx, "scheduler: kv cas failed", "schedule_id", def.ID, "error", err)
		return
	}
	if won != formatTime(advanced) {
		// Another replica already advanced this schedule's next_run_at.
		return
	}
	// Every replica that read raw computes the same advanced value, so a
	// matching CAS result does not single out one winner; this claim does.
	claimed, err := s.kv.SetIfAbsent(ctx, key+":fired:"+raw, "1", 0)
	if err != nil {
		s.logger.Error(ctx, "scheduler: kv claim failed", "schedule_id", def.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	execID, err := s.creator.CreateExecution(ctx, def.CatalogPath, def.CatalogVersion, def.Workload, 0)
	if err != nil {
		s.logger.Error(ctx, "scheduler: create execution failed", "schedule_id", def.ID, "error", err)
		s.metrics.IncCounter("scheduler.fire.failed", 1, "schedule_id", def.ID)
		return
	}
	s.metrics.IncCounter("scheduler.fire.ok", 1, "schedule_id", def.ID)
	s.logger.Info(ctx, "scheduler: fired schedule", "schedule_id", def.ID, "execution_id", execID)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
