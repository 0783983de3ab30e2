package qa

import (
	"errors"
	"strings"
	"testing"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

func TestJudge(t *testing.T) {
	if !Judge(domain.QAReport{Passed: true, Score: 80}, DefaultMinScore) {
		t.Fatalf("80 should pass")
	}
	if Judge(domain.QAReport{Passed: true, Score: 79.9}, DefaultMinScore) {
		t.Fatalf("below min must fail")
	}
	if Judge(domain.QAReport{Passed: false, Score: 99}, DefaultMinScore) {
		t.Fatalf("checker failure must fail regardless of score")
	}
}

func TestRevisionCeilingEscalates(t *testing.T) {
	retry := 0
	var d Decision
	for i := 0; i < 2; i++ {
		d = AfterFailure(retry, 2)
		if d.Next != domain.TaskRevisionNeeded {
			t.Fatalf("failure %d should request revision, got %s", i+1, d.Next)
		}
		retry = d.RetryCount
	}
	d = AfterFailure(retry, 2)
	if d.Next != domain.TaskEscalated {
		t.Fatalf("third failure must escalate, got %s", d.Next)
	}
	var se domain.ScopeError
	if !errors.As(d.Reason, &se) {
		t.Fatalf("escalation should carry a scope error")
	}
	if AfterFailure(0, 0).Next != domain.TaskEscalated {
		t.Fatalf("zero ceiling escalates immediately")
	}
}

func TestRevisionInputOrdersBySeverity(t *testing.T) {
	prior := []string{"Revision 1 (QA score 50): 1. [low] typo"}
	out := RevisionInput(prior, 2, domain.QAReport{Score: 60, Issues: []domain.QAIssue{
		{Description: "typo", Severity: "low"},
		{Description: "wrong audience", Severity: "critical"},
	}})
	if len(out) != 2 || len(prior) != 1 {
		t.Fatalf("expected appended revision without mutating prior")
	}
	last := out[1]
	if strings.Index(last, "wrong audience") > strings.Index(last, "typo") {
		t.Fatalf("critical issue should come first: %s", last)
	}
	if !strings.HasPrefix(last, "Revision 2") {
		t.Fatalf("unexpected instruction %q", last)
	}
}
