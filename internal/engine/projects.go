package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/scheduler"
)

// ProjectSubmitOptions are parameters for creating a project from a spec.
type ProjectSubmitOptions struct {
	ID      string
	Spec    domain.ProjectSpec
	ActorID string
}

// SubmitProject validates the task graph and stores the project with its
// tasks. A rejected graph stores nothing.
func (e Engine) SubmitProject(ctx context.Context, opts ProjectSubmitOptions) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = e.createProjectTx(ctx, tx, opts.ID, opts.Spec, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "project", p.ID, "tasks", len(p.Tasks))
	return p, nil
}

func (e Engine) createProjectTx(ctx context.Context, tx *sql.Tx, id string, spec domain.ProjectSpec, actorID string) (domain.Project, error) {
	specs, err := e.planTasks(spec)
	if err != nil {
		return domain.Project{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	p := domain.Project{
		ID:                  id,
		DealID:              spec.DealID,
		Client:              spec.Client,
		Services:            append([]string(nil), spec.Services...),
		RequirementsSummary: spec.RequirementsSummary,
		DueDate:             spec.DueDate,
		CreatedAt:           now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	for i, ts := range specs {
		deps := make([]string, 0, len(ts.DependsOn))
		for _, d := range ts.DependsOn {
			deps = append(deps, taskID(id, d))
		}
		t := domain.Task{
			ID:           taskID(id, ts.Key),
			ProjectID:    id,
			Key:          ts.Key,
			Name:         ts.Name,
			Description:  ts.Description,
			ServiceType:  ts.ServiceType,
			Executor:     ts.Executor,
			QAChecker:    ts.QAChecker,
			DependsOn:    deps,
			Priority:     ts.Priority,
			Seq:          i,
			Status:       domain.TaskPending,
			MaxRevisions: e.Config.QA.MaxRevisions,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.Project{}, err
		}
		p.Tasks = append(p.Tasks, t)
	}
	p.Status = domain.DeriveProjectStatus(false, p.Tasks)
	if err := e.events().Append(ctx, tx, events.ProjectCreated, p.ID, events.KindProject, p.ID, actorID, events.EventPayload{
		"deal_id":  p.DealID,
		"services": p.Services,
		"tasks":    len(p.Tasks),
	}); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func taskID(projectID, key string) string {
	return projectID + "-" + key
}

// planTasks returns the validated task specs for a project: the explicit
// tasks when given, otherwise the configured template of each service.
func (e Engine) planTasks(spec domain.ProjectSpec) ([]domain.TaskSpec, error) {
	if strings.TrimSpace(spec.Client.BusinessName) == "" {
		return nil, domain.ValidationError{Field: "client.business_name", Reason: "required"}
	}
	var specs []domain.TaskSpec
	if len(spec.Tasks) > 0 {
		for _, t := range spec.Tasks {
			if t.Executor == "" {
				t.Executor = e.Config.Scheduler.DefaultExecutor
			}
			if t.QAChecker == "" {
				t.QAChecker = e.Config.QA.DefaultChecker
			}
			if t.Name == "" {
				t.Name = t.Key
			}
			specs = append(specs, t)
		}
	} else {
		if len(spec.Services) == 0 {
			return nil, domain.ValidationError{Field: "services", Reason: "at least one service or task required"}
		}
		multi := len(spec.Services) > 1
		for _, service := range spec.Services {
			tmpl, err := e.Config.Tasks(service)
			if err != nil {
				return nil, err
			}
			for _, t := range tmpl {
				if multi {
					t.Key = service + "." + t.Key
					deps := make([]string, 0, len(t.DependsOn))
					for _, d := range t.DependsOn {
						deps = append(deps, service+"."+d)
					}
					t.DependsOn = deps
				}
				specs = append(specs, t)
			}
		}
	}
	nodes := make([]scheduler.Node, 0, len(specs))
	for i, t := range specs {
		if !e.Capabilities.HasExecutor(t.Executor) {
			return nil, domain.ValidationError{Field: "tasks.executor", Reason: fmt.Sprintf("task %q uses unknown executor %q", t.Key, t.Executor)}
		}
		if !e.Capabilities.HasChecker(t.QAChecker) {
			return nil, domain.ValidationError{Field: "tasks.qa_checker", Reason: fmt.Sprintf("task %q uses unknown qa checker %q", t.Key, t.QAChecker)}
		}
		nodes = append(nodes, scheduler.Node{ID: t.Key, DependsOn: t.DependsOn, Priority: t.Priority, Seq: i})
	}
	if _, err := scheduler.Build(nodes); err != nil {
		return nil, err
	}
	return specs, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, limit)
}

func (e Engine) runner() *scheduler.Runner {
	return &scheduler.Runner{
		Store:        taskStore{e: e},
		Capabilities: e.Capabilities,
		Pool:         e.Pool,
		Options:      e.Config.RunnerOptions(),
		Logger:       e.log(),
		Observer:     e.Metrics,
	}
}

// RunProject drives a project's tasks until nothing can progress without
// outside input, the project is cancelled, or ctx ends. Only one run per
// project may be active.
func (e Engine) RunProject(ctx context.Context, id string) (scheduler.Summary, error) {
	runCtx, r, err := e.beginRun(ctx, id)
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer e.finishRun(id, r)
	return e.runner().Run(runCtx, id)
}

// StartProject begins a run in the background and returns once it is registered.
func (e Engine) StartProject(ctx context.Context, id string) error {
	runCtx, r, err := e.beginRun(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	go func() {
		defer e.finishRun(id, r)
		sum, err := e.runner().Run(runCtx, id)
		if err != nil {
			e.log().Warn("project run stopped", "project", id, "err", err)
			return
		}
		e.log().Info("project run finished", "project", id, "status", sum.Status)
	}()
	return nil
}

func (e Engine) beginRun(ctx context.Context, id string) (context.Context, *run, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Cancelled {
		return nil, nil, domain.StateError{Entity: "project", ID: id, From: string(domain.ProjectCancelled), Event: "run"}
	}
	runCtx, r, err := e.Runs.begin(logger.ContextWithLogger(ctx, e.log().With("project", id)), id)
	if err != nil {
		return nil, nil, err
	}
	e.Metrics.RunStarted()
	return runCtx, r, nil
}

func (e Engine) finishRun(id string, r *run) {
	e.Runs.finish(id, r)
	e.Metrics.RunFinished()
}

// CancelProject cancels every task that is not accepted in one transaction,
// then stops the active runner if there is one.
func (e Engine) CancelProject(ctx context.Context, id, actorID string) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Cancelled {
			return nil
		}
		if err := e.Repo.MarkProjectCancelledTx(ctx, tx, id); err != nil {
			return err
		}
		now := e.stamp()
		cancelled := 0
		for i, t := range p.Tasks {
			if t.Status == domain.TaskAccepted || t.Status == domain.TaskCancelled {
				continue
			}
			from := t.Status
			t.Status = domain.TaskCancelled
			t.UpdatedAt = now
			if t, err = e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
				return err
			}
			if err := e.events().Append(ctx, tx, events.TaskTransitioned, id, events.KindTask, t.ID, actorID, events.EventPayload{
				"from": from, "to": t.Status,
			}); err != nil {
				return err
			}
			p.Tasks[i] = t
			cancelled++
		}
		p.Cancelled = true
		p.Status = domain.ProjectCancelled
		return e.events().Append(ctx, tx, events.ProjectCancelled, id, events.KindProject, id, actorID, events.EventPayload{"cancelled_tasks": cancelled})
	})
	if err != nil {
		return domain.Project{}, err
	}
	if e.Runs.cancel(id) {
		e.log().Info("signalled active run to stop", "project", id)
	}
	return p, nil
}

// Report summarizes progress against the timeline.
type Report struct {
	ProjectID         string                    `json:"project_id"`
	Status            domain.ProjectStatus      `json:"status"`
	CompletionPercent float64                   `json:"completion_percent"`
	ElapsedPercent    float64                   `json:"elapsed_percent"`
	Summary           string                    `json:"summary"`
	Counts            map[domain.TaskStatus]int `json:"counts"`
	DueDate           string                    `json:"due_date,omitempty"`
	Running           bool                      `json:"running"`
}

// Schedule summaries.
const (
	SummaryCompleted = "Completed"
	SummaryBehind    = "Behind Schedule"
	SummaryAhead     = "Ahead of Schedule"
	SummaryOnTrack   = "On Track"
	SummaryCancelled = "Cancelled"
)

// ProjectReport compares completed work with elapsed time. A project more
// than ten points behind its timeline is behind schedule, more than ten ahead
// is ahead of schedule.
func (e Engine) ProjectReport(ctx context.Context, id string) (Report, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		ProjectID: p.ID,
		Status:    p.Status,
		Counts:    make(map[domain.TaskStatus]int),
		DueDate:   p.DueDate,
		Running:   e.Runs.Active(id),
	}
	for _, t := range p.Tasks {
		r.Counts[t.Status]++
	}
	if len(p.Tasks) > 0 {
		r.CompletionPercent = round1(float64(r.Counts[domain.TaskAccepted]) / float64(len(p.Tasks)) * 100)
	}
	r.ElapsedPercent = e.elapsed(p)
	switch {
	case p.Status == domain.ProjectCancelled:
		r.Summary = SummaryCancelled
	case p.Status == domain.ProjectCompleted:
		r.Summary = SummaryCompleted
	case r.ElapsedPercent > r.CompletionPercent+10:
		r.Summary = SummaryBehind
	case r.ElapsedPercent < r.CompletionPercent-10:
		r.Summary = SummaryAhead
	default:
		r.Summary = SummaryOnTrack
	}
	return r, nil
}

func (e Engine) elapsed(p domain.Project) float64 {
	if p.DueDate == "" {
		return 0
	}
	start, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return 0
	}
	due, err := time.Parse(time.RFC3339, p.DueDate)
	if err != nil || !due.After(start) {
		return 0
	}
	pct := float64(e.now().Sub(start)) / float64(due.Sub(start)) * 100
	return round1(math.Max(0, math.Min(100, pct)))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
