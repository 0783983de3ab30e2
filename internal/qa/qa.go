// Package qa holds the quality-check sub-lifecycle of a task: verdicts over
// checker reports, the bounded revision loop and revision instructions.
package qa

import (
	"fmt"
	"sort"
	"strings"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const DefaultMinScore = 80

// Judge reports whether a checker report is an acceptance.
func Judge(r domain.QAReport, minScore float64) bool {
	return r.Passed && r.Score >= minScore
}

// Decision is what happens to a task after a failed check.
type Decision struct {
	Next       domain.TaskStatus
	RetryCount int
	Reason     error
}

// AfterFailure bounds the revision loop. Below the ceiling the task goes back
// for revision; at the ceiling it is escalated for human review.
func AfterFailure(retryCount, maxRevisions int) Decision {
	if retryCount < maxRevisions {
		return Decision{Next: domain.TaskRevisionNeeded, RetryCount: retryCount + 1}
	}
	return Decision{
		Next:       domain.TaskEscalated,
		RetryCount: retryCount,
		Reason:     domain.ScopeError{Kind: "qa_revisions", Requested: float64(retryCount + 1), Limit: float64(maxRevisions)},
	}
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

// RevisionInput appends one revision instruction built from the checker's
// issues to the task's existing revision list. Issues are ordered by severity.
func RevisionInput(prior []string, round int, r domain.QAReport) []string {
	issues := append([]domain.QAIssue(nil), r.Issues...)
	sort.SliceStable(issues, func(i, j int) bool {
		return rank(issues[i].Severity) < rank(issues[j].Severity)
	})
	var b strings.Builder
	fmt.Fprintf(&b, "Revision %d (QA score %.0f):", round, r.Score)
	if len(issues) == 0 {
		b.WriteString(" quality below threshold, improve overall quality.")
	}
	for i, is := range issues {
		sev := is.Severity
		if sev == "" {
			sev = "unspecified"
		}
		fmt.Fprintf(&b, " %d. [%s] %s", i+1, sev, is.Description)
	}
	out := append([]string(nil), prior...)
	return append(out, b.String())
}

// Summary is a one-line description of a failed report for task records.
func Summary(r domain.QAReport) string {
	descs := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		descs = append(descs, is.Description)
	}
	if len(descs) == 0 {
		return fmt.Sprintf("qa score %.0f", r.Score)
	}
	return fmt.Sprintf("qa score %.0f: %s", r.Score, strings.Join(descs, "; "))
}

func rank(sev string) int {
	if r, ok := severityRank[strings.ToLower(sev)]; ok {
		return r
	}
	return len(severityRank)
}
