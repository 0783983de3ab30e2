package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/canukguy1974/franky-ai/internal/capability"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/qa"
)

// Store is the persistence the runner needs. UpdateTask must apply mutate
// only while the stored task is still in status from, and must return a
// domain.StateError otherwise.
type Store interface {
	LoadProject(ctx context.Context, projectID string) (domain.Project, error)
	UpdateTask(ctx context.Context, id string, from domain.TaskStatus, mutate func(*domain.Task) error) (domain.Task, error)
}

// Observer receives runner activity, typically for metrics.
type Observer interface {
	TaskTransition(from, to domain.TaskStatus)
	CapabilityCall(name, role string, took time.Duration, err error)
	PoolBusy(n int)
}

type noopObserver struct{}

func (noopObserver) TaskTransition(domain.TaskStatus, domain.TaskStatus) {}
func (noopObserver) CapabilityCall(string, string, time.Duration, error) {}
func (noopObserver) PoolBusy(int)                                        {}

type Options struct {
	// MaxAttempts is the retry ceiling for one executor or checker call.
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	TaskTimeout  time.Duration
	CancelGrace  time.Duration
	PollInterval time.Duration
	MinQAScore   float64
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   10 * time.Second,
		TaskTimeout:  5 * time.Minute,
		CancelGrace:  10 * time.Second,
		PollInterval: 250 * time.Millisecond,
		MinQAScore:   qa.DefaultMinScore,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = d.CancelGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MinQAScore <= 0 {
		o.MinQAScore = d.MinQAScore
	}
	return o
}

// Runner drives the tasks of one project to quiescence. A Runner may serve
// many projects, but callers must not run the same project twice at once.
type Runner struct {
	Store        Store
	Capabilities *capability.Registry
	Pool         *Pool
	Options      Options
	Logger       logger.Logger
	Observer     Observer
}

// Summary is the state of a project when its run stopped.
type Summary struct {
	ProjectID string                    `json:"project_id"`
	Status    domain.ProjectStatus      `json:"status"`
	Counts    map[domain.TaskStatus]int `json:"counts"`
	Tasks     []domain.Task             `json:"-"`
}

type result struct {
	id  string
	err error
}

func (r *Runner) log() logger.Logger {
	if r.Logger == nil {
		return logger.Discard()
	}
	return r.Logger
}

func (r *Runner) observer() Observer {
	if r.Observer == nil {
		return noopObserver{}
	}
	return r.Observer
}

// Run dispatches ready tasks until nothing can make progress without outside
// input, or until ctx is cancelled. On cancellation in-flight workers get
// Options.CancelGrace to return before they are abandoned.
func (r *Runner) Run(ctx context.Context, projectID string) (Summary, error) {
	opts := r.Options.withDefaults()
	log := r.log().With("project", projectID)
	if r.Pool == nil {
		r.Pool = NewPool(1, nil)
	}

	proj, err := r.Store.LoadProject(ctx, projectID)
	if err != nil {
		return Summary{}, err
	}
	if proj.Cancelled {
		return summarize(proj), nil
	}
	g, err := FromTasks(proj.Tasks)
	if err != nil {
		return Summary{}, err
	}
	if err := r.recoverInterrupted(ctx, proj.Tasks); err != nil {
		return Summary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan result, g.Len())
	inflight := make(map[string]bool)
	var wg sync.WaitGroup
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			proj, err = r.Store.LoadProject(ctx, projectID)
			if err != nil && ctx.Err() == nil {
				cancel()
				r.drain(&wg, opts.CancelGrace, log)
				return Summary{}, err
			}
		}
		if ctx.Err() == nil && !proj.Cancelled {
			status := statusOf(proj.Tasks)
			if err := r.blockDependents(ctx, g, status); err != nil && ctx.Err() == nil {
				log.Warn("blocking dependents failed", "err", err)
			}
			byID := make(map[string]domain.Task, len(proj.Tasks))
			for _, t := range proj.Tasks {
				byID[t.ID] = t
			}
			for _, id := range Ready(g, status) {
				if inflight[id] {
					continue
				}
				t := byID[id]
				if t.Status == domain.TaskPending {
					t, err = r.move(ctx, t, domain.TaskQueued, nil)
					if err != nil {
						continue
					}
				}
				release, ok := r.Pool.TryAcquire(t.Executor)
				if !ok {
					continue
				}
				r.observer().PoolBusy(r.Pool.Busy())
				inflight[id] = true
				wg.Add(1)
				go func(t domain.Task, requirements string) {
					defer wg.Done()
					defer func() { r.observer().PoolBusy(r.Pool.Busy()) }()
					err := r.work(runCtx, t, requirements, release, opts)
					results <- result{id: t.ID, err: err}
				}(t, proj.RequirementsSummary)
			}
			if len(inflight) == 0 && Quiescent(g, status) {
				// blockDependents may have written since proj was loaded
				if final, err := r.Store.LoadProject(ctx, projectID); err == nil {
					proj = final
				}
				log.Info("project run settled", "status", domain.DeriveProjectStatus(proj.Cancelled, proj.Tasks))
				return summarize(proj), nil
			}
		}
		if proj.Cancelled && len(inflight) == 0 {
			return summarize(proj), nil
		}

		select {
		case <-ctx.Done():
			cancel()
			r.drain(&wg, opts.CancelGrace, log)
			final, err := r.Store.LoadProject(context.WithoutCancel(ctx), projectID)
			if err != nil {
				return Summary{ProjectID: projectID}, ctx.Err()
			}
			return summarize(final), ctx.Err()
		case res := <-results:
			delete(inflight, res.id)
			if res.err != nil {
				log.Debug("task result discarded", "task", res.id, "err", res.err)
			}
		case <-ticker.C:
		}
	}
}

func (r *Runner) drain(wg *sync.WaitGroup, grace time.Duration, log logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("abandoning workers after cancel grace", "grace", grace)
	}
}

// recoverInterrupted returns tasks a previous run left mid-flight to a state
// the coordinator can act on.
func (r *Runner) recoverInterrupted(ctx context.Context, tasks []domain.Task) error {
	for _, t := range tasks {
		var err error
		switch t.Status {
		case domain.TaskRunning, domain.TaskQAPending:
			_, err = r.move(ctx, t, domain.TaskQueued, nil)
		case domain.TaskQAPassed:
			_, err = r.move(ctx, t, domain.TaskAccepted, nil)
		case domain.TaskQAFailed:
			var score float64
			if t.QAScore != nil {
				score = *t.QAScore
			}
			_, err = r.afterFailedCheck(ctx, t, domain.QAReport{Score: score})
		}
		if err != nil && !isStale(err) {
			return fmt.Errorf("recover task %s: %w", t.ID, err)
		}
	}
	return nil
}

// blockDependents moves not-yet-started dependents of failed, escalated or
// blocked tasks to blocked.
func (r *Runner) blockDependents(ctx context.Context, g *Graph, status map[string]domain.TaskStatus) error {
	for _, id := range g.Order() {
		switch status[id] {
		case domain.TaskFailed, domain.TaskEscalated, domain.TaskBlocked:
		default:
			continue
		}
		for _, dep := range Blockable(g, status, id) {
			_, err := r.Store.UpdateTask(ctx, dep, status[dep], func(t *domain.Task) error {
				if err := CheckTransition(t.ID, t.Status, domain.TaskBlocked); err != nil {
					return err
				}
				t.Status = domain.TaskBlocked
				t.LastError = "dependency " + id + " is " + string(status[id])
				return nil
			})
			if err != nil && !isStale(err) {
				return err
			}
			if err == nil {
				r.observer().TaskTransition(status[dep], domain.TaskBlocked)
				status[dep] = domain.TaskBlocked
			}
		}
	}
	return nil
}

// work runs one dispatch of a task: execute, check, then accept, revise,
// escalate or fail.
func (r *Runner) work(ctx context.Context, t domain.Task, requirements string, release func(), opts Options) error {
	defer release()
	log := r.log().With("task", t.ID)

	t, err := r.move(ctx, t, domain.TaskRunning, nil)
	if err != nil {
		return err
	}

	exec, err := r.Capabilities.Executor(t.Executor)
	if err != nil {
		return r.fail(ctx, t, 0, err)
	}
	attempts := 0
	var out capability.Output
	err = r.withRetry(ctx, opts, func(actx context.Context) error {
		attempts++
		start := time.Now()
		var callErr error
		out, callErr = exec.Execute(actx, capability.Input{
			TaskID:       t.ID,
			ProjectID:    t.ProjectID,
			Name:         t.Name,
			Description:  t.Description,
			ServiceType:  t.ServiceType,
			Requirements: requirements,
			Revisions:    t.Revisions,
		})
		r.observer().CapabilityCall(t.Executor, capability.RoleExecutor, time.Since(start), callErr)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("executor failed", "executor", t.Executor, "attempts", attempts, "err", err)
		return r.fail(ctx, t, attempts, err)
	}

	t, err = r.move(ctx, t, domain.TaskQAPending, func(t *domain.Task) {
		t.Output = out.Deliverable
		t.Attempts += attempts
		t.LastError = ""
	})
	if err != nil {
		return err
	}

	checker, err := r.Capabilities.Checker(t.QAChecker)
	if err != nil {
		return r.fail(ctx, t, 0, err)
	}
	var report domain.QAReport
	err = r.withRetry(ctx, opts, func(actx context.Context) error {
		start := time.Now()
		var callErr error
		report, callErr = checker.Check(actx, capability.Deliverable{
			TaskID:       t.ID,
			ServiceType:  t.ServiceType,
			Name:         t.Name,
			Requirements: requirements,
			Content:      t.Output,
		})
		r.observer().CapabilityCall(t.QAChecker, capability.RoleChecker, time.Since(start), callErr)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("qa checker failed", "checker", t.QAChecker, "err", err)
		return r.fail(ctx, t, 0, err)
	}

	score := report.Score
	if qa.Judge(report, opts.MinQAScore) {
		t, err = r.move(ctx, t, domain.TaskQAPassed, func(t *domain.Task) { t.QAScore = &score })
		if err != nil {
			return err
		}
		_, err = r.move(ctx, t, domain.TaskAccepted, nil)
		return err
	}
	t, err = r.move(ctx, t, domain.TaskQAFailed, func(t *domain.Task) {
		t.QAScore = &score
		t.LastError = qa.Summary(report)
	})
	if err != nil {
		return err
	}
	t, err = r.afterFailedCheck(ctx, t, report)
	if err == nil {
		log.Info("qa failed", "score", score, "next", t.Status, "retry_count", t.RetryCount)
	}
	return err
}

func (r *Runner) afterFailedCheck(ctx context.Context, t domain.Task, report domain.QAReport) (domain.Task, error) {
	d := qa.AfterFailure(t.RetryCount, t.MaxRevisions)
	return r.move(ctx, t, d.Next, func(t *domain.Task) {
		if d.Next == domain.TaskRevisionNeeded {
			t.RetryCount = d.RetryCount
			t.Revisions = qa.RevisionInput(t.Revisions, d.RetryCount, report)
			return
		}
		t.LastError = d.Reason.Error()
	})
}

func (r *Runner) fail(ctx context.Context, t domain.Task, attempts int, cause error) error {
	_, err := r.move(ctx, t, domain.TaskFailed, func(t *domain.Task) {
		t.Attempts += attempts
		t.LastError = cause.Error()
	})
	return err
}

// move performs one checked compare-and-set transition of t.
func (r *Runner) move(ctx context.Context, t domain.Task, to domain.TaskStatus, mutate func(*domain.Task)) (domain.Task, error) {
	if err := CheckTransition(t.ID, t.Status, to); err != nil {
		return t, err
	}
	from := t.Status
	updated, err := r.Store.UpdateTask(ctx, t.ID, from, func(cur *domain.Task) error {
		cur.Status = to
		if mutate != nil {
			mutate(cur)
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	r.observer().TaskTransition(from, to)
	return updated, nil
}

// withRetry calls fn with exponential backoff. Each attempt gets the task
// timeout. Transient errors and attempt deadlines are retried; anything else
// stops immediately.
func (r *Runner) withRetry(ctx context.Context, opts Options, fn func(context.Context) error) error {
	backoff := retry.WithCappedDuration(opts.BackoffMax, retry.NewExponential(opts.BackoffBase))
	backoff = retry.WithMaxRetries(uint64(opts.MaxAttempts-1), backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
		defer cancel()
		err := fn(actx)
		if err == nil {
			return nil
		}
		if retryable(ctx, err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func retryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var transient domain.TransientError
	if errors.As(err, &transient) {
		return true
	}
	var fatal domain.FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isStale(err error) bool {
	var se domain.StateError
	return errors.As(err, &se)
}

func statusOf(tasks []domain.Task) map[string]domain.TaskStatus {
	out := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t.Status
	}
	return out
}

func summarize(p domain.Project) Summary {
	s := Summary{
		ProjectID: p.ID,
		Status:    domain.DeriveProjectStatus(p.Cancelled, p.Tasks),
		Counts:    make(map[domain.TaskStatus]int),
		Tasks:     p.Tasks,
	}
	for _, t := range p.Tasks {
		s.Counts[t.Status]++
	}
	return s
}
