package main

import (
	"errors"
	"fmt"
	"net/http/httptest"

	"fiberweave/internal/core"
	"fiberweave/internal/deferred"
	"fiberweave/internal/metrics"
	"fiberweave/internal/trace"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

// rig bundles a freshly built scheduler with the recorder and collector
// wired into it, so every scenario reports the same three things: the
// terminal outcome, the deterministic lifecycle trace, and (optionally) the
// Prometheus snapshot.
type rig struct {
	sched   *core.TaskScheduler
	tracer  *trace.Recorder
	metrics *metrics.Collector
}

func newRig(name string) *rig {
	level := hclog.Warn
	if verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "fiberctl", Level: level})
	tracer := trace.NewRecorder()
	collector := metrics.NewCollector(metrics.Config{})

	sched := core.NewTaskScheduler(
		core.WithLogger(logger),
		core.WithTracer(tracer),
		core.WithMetrics(collector),
		core.WithRunID(name),
	)
	return &rig{sched: sched, tracer: tracer, metrics: collector}
}

// report prints the scenario's trace hash, used by callers that want a
// quick "did the dispatch shape change" signal without diffing raw events.
func (r *rig) report(name string) {
	tr := r.tracer.Trace(name)
	hash, err := tr.Hash()
	if err != nil {
		fmt.Printf("[%s] trace invalid: %v\n", name, err)
		return
	}
	fmt.Printf("[%s] %d events, trace hash %s\n", name, len(tr.Events), hash)
	if metricsOut {
		r.printMetrics(name)
	}
}

// printMetrics dumps the Collector's Prometheus text exposition straight to
// stdout by driving its own handler against an in-process recorder, rather
// than standing up a real listener for a one-shot CLI invocation.
func (r *rig) printMetrics(name string) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.metrics.Handler().ServeHTTP(rec, req)
	fmt.Printf("[%s] metrics:\n%s", name, rec.Body.String())
}

// runScenario is the cobra RunE adapter shared by every single-scenario
// subcommand: build a rig, run the scenario body, print its report.
func runScenario(name string, body func(r *rig) error) error {
	r := newRig(name)
	if err := body(r); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.report(name)
	return nil
}

// --- Scenario 1: plain run. Spawn t = async(() -> 42); run(); t finishes
// with result 42 and the scheduler drains back to zero. ---

var plainRunCmd = &cobra.Command{
	Use:   "plain-run",
	Short: "Spawn a single task returning 42 and drain the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("plain-run", func(r *rig) error {
			t := r.sched.Spawn(func(t *core.Task) (any, error) { return 42, nil })
			if err := r.sched.Run(); err != nil {
				return err
			}
			result, taskErr, ok := t.Result()
			if !ok || t.Status() != core.StatusFinished || result != 42 {
				return fmt.Errorf("expected FINISHED/42, got status=%s result=%v err=%v", t.Status(), result, taskErr)
			}
			if r.sched.Count() != 0 {
				return fmt.Errorf("expected scheduler to drain to zero, count=%d", r.sched.Count())
			}
			fmt.Printf("plain-run: result=%v\n", result)
			return nil
		})
	},
}

// --- Scenario 2: await chain. a = async(() -> 1); b = async(() -> await(a)
// + 10); run() -> b.result == 11, a dispatched before b. ---

var awaitChainCmd = &cobra.Command{
	Use:   "await-chain",
	Short: "Spawn a task that awaits another and adds to its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("await-chain", func(r *rig) error {
			a := r.sched.Spawn(func(t *core.Task) (any, error) { return 1, nil })
			b := r.sched.Spawn(func(t *core.Task) (any, error) {
				v, err := t.Await(a)
				if err != nil {
					return nil, err
				}
				return v.(int) + 10, nil
			})
			if err := r.sched.Run(); err != nil {
				return err
			}
			result, _, _ := b.Result()
			if result != 11 {
				return fmt.Errorf("expected b.result == 11, got %v", result)
			}
			fmt.Printf("await-chain: a=%d b=%v\n", mustResult(a), result)
			return nil
		})
	},
}

// --- Scenario 3: inline fast path. outer = async(() -> await(async(() ->
// 7))); the inner task never allocates a fiber - it runs synchronously on
// outer's own fiber. ---

var inlineCmd = &cobra.Command{
	Use:   "inline",
	Short: "Demonstrate the inline fast path for a nested same-scheduler await",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("inline", func(r *rig) error {
			outer := r.sched.Spawn(func(t *core.Task) (any, error) {
				inner := t.Spawn(func(t *core.Task) (any, error) { return 7, nil })
				return t.Await(inner)
			})
			if err := r.sched.Run(); err != nil {
				return err
			}
			result, _, _ := outer.Result()
			if result != 7 {
				return fmt.Errorf("expected outer.result == 7, got %v", result)
			}
			fmt.Printf("inline: result=%v (inner task ran on outer's own fiber, no fiber allocated for it)\n", result)
			return nil
		})
	},
}

// --- Scenario 4: deferred settle. A deferred awaitable d; t = async(() ->
// await(d)); run() returns while t is SUSPENDED and d is pending. Settling
// d re-enqueues t; running again yields t.result == "ok". ---

var deferredCmd = &cobra.Command{
	Use:   "deferred",
	Short: "Suspend a task on a pending deferred, then settle it externally",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("deferred", func(r *rig) error {
			d := deferred.New()
			t := r.sched.Spawn(func(t *core.Task) (any, error) {
				v, err := t.Await(d)
				if err != nil {
					return nil, err
				}
				return v, nil
			})
			if err := r.sched.Run(); err != nil {
				return err
			}
			if t.Status() != core.StatusSuspended {
				return fmt.Errorf("expected task SUSPENDED after first run, got %s", t.Status())
			}

			d.Resolve("ok")
			if err := r.sched.Run(); err != nil {
				return err
			}
			result, _, _ := t.Result()
			if result != "ok" {
				return fmt.Errorf("expected result == \"ok\", got %v", result)
			}
			fmt.Printf("deferred: result=%v\n", result)
			return nil
		})
	},
}

// --- Scenario 5: failure propagation. bad = async(() -> raise E); wrap =
// async(() -> await(bad)); run() -> wrap.status = DEAD, wrap.error is bad's
// own error. ---

var errBoom = errors.New("boom")

var failureCmd = &cobra.Command{
	Use:   "failure",
	Short: "Propagate a failing task's error through an awaiting task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("failure", func(r *rig) error {
			bad := r.sched.Spawn(func(t *core.Task) (any, error) { return nil, errBoom })
			wrap := r.sched.Spawn(func(t *core.Task) (any, error) { return t.Await(bad) })
			if err := r.sched.Run(); err != nil {
				return err
			}
			_, wrapErr, _ := wrap.Result()
			if wrap.Status() != core.StatusDead || !errors.Is(wrapErr, errBoom) {
				return fmt.Errorf("expected DEAD/errBoom, got status=%s err=%v", wrap.Status(), wrapErr)
			}
			fmt.Printf("failure: wrap.status=%s wrap.err=%v\n", wrap.Status(), wrapErr)
			return nil
		})
	},
}

// --- Scenario 6: destroy while suspended. Spawn t awaiting a never-settling
// deferred; run to quiescence (t SUSPENDED); Close t - the fiber entry
// observes TaskDestroyed on resume and the scheduler's accounting returns
// to zero. ---

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy a task suspended on a never-settling deferred",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario("destroy", func(r *rig) error {
			d := deferred.New()
			var observed error
			t := r.sched.Spawn(func(t *core.Task) (any, error) {
				_, err := t.Await(d)
				observed = err
				return nil, err
			})
			if err := r.sched.Run(); err != nil {
				return err
			}
			if t.Status() != core.StatusSuspended {
				return fmt.Errorf("expected SUSPENDED, got %s", t.Status())
			}

			if err := t.Close(); err != nil {
				return err
			}
			if !errors.Is(observed, core.ErrTaskDestroyed) {
				return fmt.Errorf("expected the fiber to observe ErrTaskDestroyed, got %v", observed)
			}
			if r.sched.Count() != 0 {
				return fmt.Errorf("expected scheduler accounting back to zero, count=%d", r.sched.Count())
			}
			fmt.Printf("destroy: task %d torn down with %v\n", t.ID(), observed)
			return nil
		})
	},
}

func mustResult(t *core.Task) any {
	v, _, _ := t.Result()
	return v
}
