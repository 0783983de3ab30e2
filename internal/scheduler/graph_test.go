package scheduler_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/scheduler"
)

func TestBuildOrdersByPriorityThenSeq(t *testing.T) {
	g, err := scheduler.Build([]scheduler.Node{
		{ID: "brief", Seq: 0},
		{ID: "draft", Seq: 1, DependsOn: []string{"brief"}},
		{ID: "assets", Seq: 2, Priority: 5},
		{ID: "review", Seq: 3, DependsOn: []string{"draft", "assets"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"assets", "brief", "draft", "review"}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if got := g.Descendants("brief"); !reflect.DeepEqual(got, []string{"draft", "review"}) {
		t.Fatalf("descendants = %v", got)
	}
	if got := g.Dependencies("review"); !reflect.DeepEqual(got, []string{"draft", "assets"}) {
		t.Fatalf("dependencies = %v", got)
	}
}

func TestBuildRejectsCycleWithWitness(t *testing.T) {
	_, err := scheduler.Build([]scheduler.Node{
		{ID: "a", Seq: 0, DependsOn: []string{"c"}},
		{ID: "b", Seq: 1, DependsOn: []string{"a"}},
		{ID: "c", Seq: 2, DependsOn: []string{"b"}},
	})
	var ce domain.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(ce.Path, want) {
		t.Fatalf("path = %v, want %v", ce.Path, want)
	}
}

func TestBuildValidation(t *testing.T) {
	cases := map[string][]scheduler.Node{
		"empty":     nil,
		"duplicate": {{ID: "a"}, {ID: "a", Seq: 1}},
		"unknown":   {{ID: "a", DependsOn: []string{"missing"}}},
		"self":      {{ID: "a", DependsOn: []string{"a"}}},
		"blank id":  {{ID: ""}},
	}
	for name, nodes := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := scheduler.Build(nodes)
			var ve domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestReadyRequiresAcceptedDependencies(t *testing.T) {
	g, err := scheduler.Build([]scheduler.Node{
		{ID: "a", Seq: 0},
		{ID: "b", Seq: 1, DependsOn: []string{"a"}},
		{ID: "c", Seq: 2, Priority: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]domain.TaskStatus{"a": domain.TaskPending, "b": domain.TaskPending, "c": domain.TaskPending}
	if got := scheduler.Ready(g, status); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Fatalf("ready = %v", got)
	}
	status["a"] = domain.TaskQAPassed
	status["c"] = domain.TaskRunning
	if got := scheduler.Ready(g, status); len(got) != 0 {
		t.Fatalf("ready = %v, want none", got)
	}
	status["a"] = domain.TaskAccepted
	if got := scheduler.Ready(g, status); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("ready = %v", got)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	g, err := scheduler.Build([]scheduler.Node{
		{ID: "a", Seq: 0},
		{ID: "b", Seq: 1, DependsOn: []string{"a"}},
		{ID: "c", Seq: 2, DependsOn: []string{"b"}},
		{ID: "d", Seq: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]domain.TaskStatus{
		"a": domain.TaskFailed, "b": domain.TaskPending, "c": domain.TaskQueued, "d": domain.TaskPending,
	}
	if got := scheduler.Blockable(g, status, "a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("blockable = %v", got)
	}
	status["b"], status["c"] = domain.TaskBlocked, domain.TaskBlocked
	if got := scheduler.Unblockable(g, status); len(got) != 0 {
		t.Fatalf("unblockable with failed root = %v", got)
	}
	status["a"] = domain.TaskPending
	if got := scheduler.Unblockable(g, status); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("unblockable = %v", got)
	}
}

func TestCheckTransition(t *testing.T) {
	if err := scheduler.CheckTransition("t", domain.TaskQAFailed, domain.TaskRevisionNeeded); err != nil {
		t.Fatalf("qa_failed -> revision_needed: %v", err)
	}
	err := scheduler.CheckTransition("t", domain.TaskAccepted, domain.TaskRunning)
	var se domain.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected state error, got %v", err)
	}
	if scheduler.CanTransition(domain.TaskPending, domain.TaskAccepted) {
		t.Fatalf("pending must not jump to accepted")
	}
	if scheduler.KnownStatus("done") {
		t.Fatalf("unknown status reported as known")
	}
}

func TestPoolQuota(t *testing.T) {
	p := scheduler.NewPool(2, map[string]int{"writer": 1})
	rel1, ok := p.TryAcquire("writer")
	if !ok {
		t.Fatal("first writer slot")
	}
	if _, ok := p.TryAcquire("writer"); ok {
		t.Fatal("writer quota exceeded")
	}
	rel2, ok := p.TryAcquire("designer")
	if !ok {
		t.Fatal("designer slot")
	}
	if _, ok := p.TryAcquire("designer"); ok {
		t.Fatal("global pool exceeded")
	}
	if p.Busy() != 2 {
		t.Fatalf("busy = %d", p.Busy())
	}
	rel1()
	rel1()
	if p.Busy() != 1 {
		t.Fatalf("double release changed busy to %d", p.Busy())
	}
	if _, ok := p.TryAcquire("writer"); !ok {
		t.Fatal("writer slot after release")
	}
	rel2()
}
