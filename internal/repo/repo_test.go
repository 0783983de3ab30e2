package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/canukguy1974/franky-ai/internal/db"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/migrate"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedLead(t *testing.T, r repo.Repo, id string) domain.Lead {
	t.Helper()
	l, err := r.UpsertLeadTx(context.Background(), nil, domain.Lead{
		ID: id, BusinessName: "Acme", Score: 70, Classification: domain.ClassWarm, CreatedAt: ts, ScoredAt: ts,
	})
	if err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return l
}

func TestLeadUpsertBumpsVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	l := seedLead(t, r, "lead-1")
	if l.Version != 1 {
		t.Fatalf("version = %d", l.Version)
	}
	l.Score = 90
	l.Classification = domain.ClassHot
	l.Warnings = []string{"business age missing"}
	l, err := r.UpsertLeadTx(ctx, nil, l)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetLead(ctx, "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Score != 90 || len(got.Warnings) != 1 {
		t.Fatalf("lead = %+v", got)
	}
	if _, err := r.GetLead(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOneOpenDealPerLead(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedLead(t, r, "lead-1")
	d, err := r.InsertDealTx(ctx, nil, domain.Deal{ID: "deal-1", LeadID: "lead-1", Status: domain.DealNew, CreatedAt: ts, UpdatedAt: ts})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.InsertDealTx(ctx, nil, domain.Deal{ID: "deal-2", LeadID: "lead-1", Status: domain.DealNew, CreatedAt: ts, UpdatedAt: ts}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	d.Status = domain.DealClosedLost
	if _, err := r.UpdateDealTx(ctx, nil, d); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.InsertDealTx(ctx, nil, domain.Deal{ID: "deal-2", LeadID: "lead-1", Status: domain.DealNew, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestDealVersionConflict(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedLead(t, r, "lead-1")
	d, err := r.InsertDealTx(ctx, nil, domain.Deal{ID: "deal-1", LeadID: "lead-1", Status: domain.DealNew, CreatedAt: ts, UpdatedAt: ts})
	if err != nil {
		t.Fatal(err)
	}
	stale := d
	d.Status = domain.DealOutreachSent
	if _, err := r.UpdateDealTx(ctx, nil, d); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := r.UpdateDealTx(ctx, nil, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := r.AppendHistoryTx(ctx, nil, "deal-1", []domain.HistoryEntry{
		{Step: 1, Seq: 1, Kind: "outreach_dispatched", From: domain.DealNew, To: domain.DealOutreachSent, At: ts, Payload: map[string]any{"channel": "email"}},
	}); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetDeal(ctx, "deal-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || len(got.History) != 1 || got.History[0].Step != 1 || got.History[0].Payload["channel"] != "email" {
		t.Fatalf("deal = %+v", got)
	}
}

func TestTaskRoundTripAndEvents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.InsertProjectTx(ctx, nil, domain.Project{ID: "p1", Services: []string{"web_development"}, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	task := domain.Task{ID: "p1-a", ProjectID: "p1", Key: "a", Name: "A", Executor: "local", QAChecker: "local-qa",
		Status: domain.TaskPending, MaxRevisions: 2, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertTaskTx(ctx, nil, task); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetTask(ctx, "p1-a")
	if err != nil {
		t.Fatal(err)
	}
	score := 85.0
	got.Status = domain.TaskQueued
	got.QAScore = &score
	if _, err := r.UpdateTaskTx(ctx, nil, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, err := r.GetProject(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.ProjectInProgress || len(p.Tasks) != 1 || *p.Tasks[0].QAScore != 85 {
		t.Fatalf("project = %+v", p)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := events.Writer{DB: r.DB}
	if err := w.Append(ctx, tx, events.LeadScored, "", events.KindLead, "lead-1", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, events.ProjectCreated, "p1", events.KindProject, "p1", "tester", events.EventPayload{"tasks": 1}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	all, err := r.EventsAfter(ctx, repo.EventFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ProjectID != "" || all[0].ActorID != "system" {
		t.Fatalf("events = %+v", all)
	}
	onlyProject, err := r.EventsAfter(ctx, repo.EventFilters{After: all[0].ID})
	if err != nil || len(onlyProject) != 1 || onlyProject[0].Type != events.ProjectCreated {
		t.Fatalf("after cursor = %+v, %v", onlyProject, err)
	}
}
