// Package orchestrator implements the test-fix-test control loop.
//
// The orchestrator owns every terminal decision: it files defects when
// the suite fails, delegates remediation to a change producer, gates
// each produced commit behind a fresh test run, and closes defects only
// on a passing gate. The producer's opinion of its own work is never
// consulted; the gate classification is the sole authority.
//
// The loop is deterministic: given an identical sequence of gate
// classifications over the same starting defect, two independent runs
// produce the same state sequence, final status, and iteration count.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
	"github.com/fyrsmithlabs/mendd/pkg/producer"
	"github.com/fyrsmithlabs/mendd/pkg/testrun"
	"github.com/fyrsmithlabs/mendd/pkg/tracker"
)

// State identifies a node of the orchestration state machine.
type State string

const (
	StateIdle                State = "idle"
	StateCheckDefects        State = "check_defects"
	StateTesting             State = "testing"
	StateFileDefect          State = "file_defect"
	StateFixing              State = "fixing"
	StateGate                State = "gate"
	StateClosing             State = "closing"
	StateCommentFailure      State = "comment_failure"
	StateCommentTimeout      State = "comment_timeout"
	StateCommentAgentFailure State = "comment_agent_failure"
	StateDone                State = "done"
)

// Status is the terminal status of one orchestrator run.
type Status string

const (
	// StatusResolved: the full suite passes and no defect remains open.
	StatusResolved Status = "resolved"

	// StatusExhausted: the iteration budget ran out with the defect
	// still open.
	StatusExhausted Status = "exhausted"

	// StatusUnresolved: the run ended without a verdict (lease held
	// elsewhere, stop signal, abort).
	StatusUnresolved Status = "unresolved"
)

// ErrInfrastructure aborts a run: the test tooling itself could not
// execute, which is not a defect-resolution signal. No tracker state is
// mutated and no iteration is consumed.
var ErrInfrastructure = errors.New("test infrastructure failure")

// defectTitle is the fixed failure signature filed by this loop. The
// dedup key is derived from it, so every run of the same scope
// converges on the same open defect.
const defectTitle = "[full] test suite failing"

// VerdictAuthority is the gate: the only collaborator whose
// classification may decide a defect's fate. It is deliberately
// disjoint from producer.ChangeProducer and the two are never merged
// into one object, so a producer structurally cannot judge its own
// work.
type VerdictAuthority interface {
	Run(ctx context.Context, scope testrun.Scope) (*testrun.Result, error)
}

// Archiver preserves the working-tree delta of a failed attempt on the
// defect's append-only WIP branch.
type Archiver interface {
	Archive(ctx context.Context, d *defect.Defect, ordinal int) (string, error)
}

// Config carries the orchestrator's control surface: an iteration
// budget and lease parameters. Everything else is reached through the
// injected collaborators.
type Config struct {
	// MaxIterations bounds fix attempts per run. Default: 3.
	MaxIterations int

	// LeaseTTL bounds how long a crashed worker can block a defect.
	// Default: 10 minutes.
	LeaseTTL time.Duration

	// HolderID identifies this worker in lease records.
	// Default: a fresh UUID.
	HolderID string

	// SmokePreGate runs the smoke scope before each full gate as a
	// cheap early verdict. The full scope stays authoritative: only
	// a full-scope pass can close a defect.
	SmokePreGate bool
}

func (c *Config) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 3
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.HolderID == "" {
		c.HolderID = uuid.New().String()
	}
}

// Report describes one completed (or aborted) run.
type Report struct {
	// DefectID is the defect acted on, empty when the suite was clean.
	DefectID string `json:"defect_id,omitempty"`

	// Status is the terminal status.
	Status Status `json:"status"`

	// Iterations is the number of consumed fix attempts.
	Iterations int `json:"iterations"`

	// MaxIterations is the configured budget.
	MaxIterations int `json:"max_iterations"`

	// Attempts is the chronological attempt history of this run.
	Attempts []defect.Attempt `json:"attempts,omitempty"`

	// Trace is the visited state sequence, for determinism checks
	// and debugging.
	Trace []State `json:"trace,omitempty"`
}

// Orchestrator sequences tracker, producer, archiver, and gate.
type Orchestrator struct {
	store    tracker.Store
	gate     VerdictAuthority
	producer producer.ChangeProducer
	archiver Archiver
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// New creates an orchestrator. The store, gate, and producer are
// required; the archiver may be nil only if MaxIterations is 1 (no
// second attempt ever needs prior-attempt archival).
func New(store tracker.Store, gate VerdictAuthority, prod producer.ChangeProducer, arch Archiver, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		store:    store,
		gate:     gate,
		producer: prod,
		archiver: arch,
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(),
		now:      time.Now,
	}
}

// DedupKey returns the dedup key this orchestrator files and polls.
func (o *Orchestrator) DedupKey() string {
	return defect.Key(defectTitle)
}

// Run executes one orchestration run to a terminal status.
//
// An external stop signal (ctx cancellation) is honored only at
// iteration boundaries: the unit archive, fix, gate, classify, act is
// never interrupted midway, so a defect cannot be left half-updated.
func (o *Orchestrator) Run(ctx context.Context) (rep *Report, err error) {
	rep = &Report{
		Status:        StatusUnresolved,
		MaxIterations: o.cfg.MaxIterations,
	}

	var (
		d          *defect.Defect
		leased     bool
		gateResult *testrun.Result
		pendingRef string
	)

	// Collaborators run on a non-cancellable context: once the unit
	// archive, fix, gate, classify, act has started it always runs to
	// completion, so a stop signal can never fabricate a verdict or
	// leave a defect half-updated. The runner's and producer's
	// wall-clock budgets still bound each call.
	unit := context.WithoutCancel(ctx)

	// The lease outlives ctx cancellation so an honored stop signal
	// does not leak a claim until TTL expiry.
	defer func() {
		if leased && d != nil {
			if relErr := o.store.ReleaseLease(unit, d, o.cfg.HolderID); relErr != nil {
				o.logger.Warn("failed to release lease",
					zap.String("defect_id", d.ID),
					zap.Error(relErr))
			}
		}
	}()

	state := StateIdle
	for {
		rep.Trace = append(rep.Trace, state)

		switch state {
		case StateIdle:
			state = StateCheckDefects

		case StateCheckDefects:
			// The only point where the stop signal is honored.
			if ctxErr := ctx.Err(); ctxErr != nil {
				o.metrics.RecordRun(rep.Status)
				return rep, ctxErr
			}

			found, findErr := o.store.FindOpenByKey(unit, o.DedupKey())
			switch {
			case findErr == nil:
				d = found
				rep.DefectID = d.ID
				if len(rep.Attempts) >= o.cfg.MaxIterations {
					if err := o.store.Comment(unit, d, summaryComment(rep.Attempts, o.cfg.MaxIterations)); err != nil {
						return rep, fmt.Errorf("posting exhaustion summary: %w", err)
					}
					o.logger.Warn("iteration budget exhausted",
						zap.String("defect_id", d.ID),
						zap.Int("max_iterations", o.cfg.MaxIterations))
					rep.Status = StatusExhausted
					state = StateDone
				} else {
					state = StateFixing
				}
			case errors.Is(findErr, tracker.ErrNotFound):
				state = StateTesting
			default:
				return rep, fmt.Errorf("checking open defects: %w", findErr)
			}

		case StateTesting:
			res, runErr := o.runGate(unit, false)
			if runErr != nil {
				return rep, runErr
			}
			switch res.Classification {
			case testrun.Success:
				// Clean repository: resolved without ever touching
				// the remediation machinery.
				o.logger.Info("suite passing, nothing to do")
				rep.Status = StatusResolved
				state = StateDone
			case testrun.InfrastructureError:
				return rep, o.abortInfra(res)
			default:
				gateResult = res
				state = StateFileDefect
			}

		case StateFileDefect:
			labels := []string{tracker.ToolLabel, tracker.LabelScopeFull}
			filed, created, createErr := o.store.CreateIfAbsent(unit, defectTitle, defectBody(gateResult), labels)
			if createErr != nil {
				return rep, fmt.Errorf("filing defect: %w", createErr)
			}
			o.logger.Info("defect on file",
				zap.String("defect_id", filed.ID),
				zap.Bool("created", created))
			state = StateCheckDefects

		case StateFixing:
			ok, leaseErr := o.store.AcquireLease(unit, d, o.cfg.HolderID, o.cfg.LeaseTTL)
			if leaseErr != nil {
				return rep, fmt.Errorf("acquiring lease: %w", leaseErr)
			}
			if !ok {
				// Another worker holds the defect; this run steps
				// aside rather than double-fixing.
				o.metrics.LeaseRefusalsTotal.Inc()
				o.logger.Info("defect leased elsewhere, skipping",
					zap.String("defect_id", d.ID))
				state = StateDone
				continue
			}
			leased = true

			ordinal := len(rep.Attempts) + 1
			if ordinal > 1 {
				if _, archErr := o.archiver.Archive(unit, d, ordinal); archErr != nil {
					return rep, fmt.Errorf("archiving attempt %d: %w", ordinal, archErr)
				}
			}

			out, fixErr := o.producer.AttemptFix(unit, d, rep.Attempts)
			if fixErr != nil {
				o.logger.Warn("producer invocation failed",
					zap.String("defect_id", d.ID),
					zap.Error(fixErr))
			}
			if fixErr != nil || !out.Committed {
				state = StateCommentAgentFailure
				continue
			}
			pendingRef = out.Ref
			state = StateGate

		case StateGate:
			res, runErr := o.runGate(unit, true)
			if runErr != nil {
				return rep, runErr
			}
			gateResult = res
			switch res.Classification {
			case testrun.Success:
				state = StateClosing
			case testrun.Timeout:
				state = StateCommentTimeout
			case testrun.InfrastructureError:
				// Tooling failure, not a verdict: abort with no
				// comment, no close, and no iteration consumed.
				return rep, o.abortInfra(res)
			default:
				state = StateCommentFailure
			}

		case StateClosing:
			a := o.recordAttempt(rep, d, pendingRef, defect.OutcomeSucceeded)
			if closeErr := o.store.Close(unit, d, closeComment(a)); closeErr != nil {
				if !errors.Is(closeErr, tracker.ErrClosed) {
					return rep, fmt.Errorf("closing defect: %w", closeErr)
				}
				// Already closed by a concurrent run: the
				// idempotent-close safety net did its job.
				o.logger.Info("defect already closed elsewhere",
					zap.String("defect_id", d.ID))
			}
			rep.Status = StatusResolved
			state = StateDone

		case StateCommentFailure:
			a := o.recordAttempt(rep, d, pendingRef, defect.OutcomeTestFailed)
			if err := o.store.Comment(unit, d, failureComment(a, gateResult.Output)); err != nil {
				return rep, fmt.Errorf("commenting gate failure: %w", err)
			}
			state = StateCheckDefects

		case StateCommentTimeout:
			a := o.recordAttempt(rep, d, pendingRef, defect.OutcomeTestTimeout)
			if err := o.store.Comment(unit, d, timeoutComment(a, gateResult.Duration)); err != nil {
				return rep, fmt.Errorf("commenting gate timeout: %w", err)
			}
			state = StateCheckDefects

		case StateCommentAgentFailure:
			a := o.recordAttempt(rep, d, "", defect.OutcomeAgentFailed)
			if err := o.store.Comment(unit, d, agentFailureComment(a)); err != nil {
				return rep, fmt.Errorf("commenting producer failure: %w", err)
			}
			state = StateCheckDefects

		case StateDone:
			o.metrics.RecordRun(rep.Status)
			o.logger.Info("run completed",
				zap.String("status", string(rep.Status)),
				zap.Int("iterations", rep.Iterations))
			return rep, nil

		default:
			return rep, fmt.Errorf("unknown state %q", state)
		}
	}
}

// Watch runs the loop as a long-lived polling daemon. One iteration is
// idempotent and independently re-triggerable, so each tick is simply a
// fresh Run. Aborted runs (infrastructure failures) are logged; the
// next tick is a new trigger.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) error {
	for {
		rep, err := o.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			o.logger.Error("run aborted", zap.Error(err))
		default:
			o.logger.Info("watch tick completed",
				zap.String("status", string(rep.Status)),
				zap.Int("iterations", rep.Iterations))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runGate executes the authoritative gate, optionally preceded by the
// cheap smoke scope. A smoke verdict alone can keep an already-open
// defect open (smokeShortCircuit, used at the post-fix gate), but it
// can never close one and never files one: filing and closing both
// demand the full suite's word, so the testing path always falls
// through to the full scope.
func (o *Orchestrator) runGate(ctx context.Context, smokeShortCircuit bool) (*testrun.Result, error) {
	smokePassed := true
	if o.cfg.SmokePreGate {
		smoke, err := o.gate.Run(ctx, testrun.ScopeSmoke)
		if err != nil {
			return nil, fmt.Errorf("running smoke gate: %w", err)
		}
		o.metrics.RecordGate(string(testrun.ScopeSmoke), smoke.Duration.Seconds())
		if smoke.Classification == testrun.InfrastructureError {
			return smoke, nil
		}
		if smoke.Classification != testrun.Success {
			if smokeShortCircuit {
				return smoke, nil
			}
			smokePassed = false
		}
	}

	full, err := o.gate.Run(ctx, testrun.ScopeFull)
	if err != nil {
		return nil, fmt.Errorf("running full gate: %w", err)
	}
	o.metrics.RecordGate(string(testrun.ScopeFull), full.Duration.Seconds())

	if o.cfg.SmokePreGate && smokePassed != (full.Classification == testrun.Success) {
		// Full is authoritative; the disagreement is only worth a
		// log line.
		o.logger.Warn("smoke and full scope disagree, full is authoritative",
			zap.String("full", string(full.Classification)))
	}
	return full, nil
}

func (o *Orchestrator) abortInfra(res *testrun.Result) error {
	o.metrics.InfraAbortsTotal.Inc()
	o.metrics.RecordRun(StatusUnresolved)
	return fmt.Errorf("%w: %s", ErrInfrastructure, truncate(res.Output, 512))
}

func (o *Orchestrator) recordAttempt(rep *Report, d *defect.Defect, ref string, outcome defect.Outcome) defect.Attempt {
	a := defect.Attempt{
		DefectID:  d.ID,
		Ordinal:   len(rep.Attempts) + 1,
		Ref:       ref,
		Timestamp: o.now(),
		Outcome:   outcome,
	}
	rep.Attempts = append(rep.Attempts, a)
	rep.Iterations = len(rep.Attempts)
	o.metrics.RecordAttempt(string(outcome))
	return a
}
