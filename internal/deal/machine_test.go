package deal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMachine() Machine {
	return Machine{Policy: DefaultPolicy(), Now: func() time.Time { return fixedNow }}
}

func testLead() domain.Lead {
	return domain.Lead{ID: "lead-1", BusinessName: "Acme Bakery", Classification: domain.ClassHot, Contact: domain.Contact{Email: "owner@acme.test"}}
}

func proposal() *domain.Terms {
	return &domain.Terms{Services: []string{"web_development"}, Price: 1000, Revisions: 2, TimelineDays: 14, RequirementsSummary: "new site"}
}

func mustApply(t *testing.T, m Machine, d domain.Deal, ev domain.DealEvent) Outcome {
	t.Helper()
	out, err := m.Apply(d, testLead(), ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
	return out
}

func toNegotiating(t *testing.T, m Machine) domain.Deal {
	t.Helper()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 2, Type: domain.EventResponseReceived}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 3, Type: domain.EventNeedsCaptured, Proposal: proposal()}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 4, Type: domain.EventClientFeedback, Feedback: &domain.Feedback{}}).Deal
	if d.Status != domain.DealNegotiating {
		t.Fatalf("expected negotiating, got %s", d.Status)
	}
	return d
}

func TestHappyPathToClosedWon(t *testing.T) {
	m := newMachine()
	d := toNegotiating(t, m)
	out := mustApply(t, m, d, domain.DealEvent{Seq: 5, Type: domain.EventTermsAccepted})
	if out.Deal.Status != domain.DealContractSent || out.Deal.Contract == nil {
		t.Fatalf("expected contract_sent with contract, got %+v", out.Deal)
	}
	out = mustApply(t, m, out.Deal, domain.DealEvent{Seq: 6, Type: domain.EventContractSigned})
	if out.Deal.Status != domain.DealClosedWon {
		t.Fatalf("expected closed_won, got %s", out.Deal.Status)
	}
	if out.Handoff == nil || out.Handoff.DealID != "deal-1" || out.Handoff.Client.BusinessName != "Acme Bakery" {
		t.Fatalf("missing handoff: %+v", out.Handoff)
	}
	if out.Handoff.DueDate != fixedNow.AddDate(0, 0, 14).Format(time.RFC3339) {
		t.Fatalf("unexpected due date %s", out.Handoff.DueDate)
	}
	if len(out.Requests) != 1 || out.Requests[0].TemplateID != "onboarding.welcome" {
		t.Fatalf("expected onboarding request, got %+v", out.Requests)
	}
}

func TestTermsAcceptedFromProposalSentRejected(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 2, Type: domain.EventResponseReceived}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 3, Type: domain.EventNeedsCaptured, Proposal: proposal()}).Deal
	_, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 4, Type: domain.EventTermsAccepted})
	var se domain.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}

	out := mustApply(t, m, d, domain.DealEvent{Seq: 4, Type: domain.EventClientFeedback, Feedback: &domain.Feedback{AcceptAll: true}})
	if out.Deal.Status != domain.DealContractSent {
		t.Fatalf("accept_all should reach contract_sent, got %s", out.Deal.Status)
	}
	if len(out.Entries) != 2 || out.Entries[0].To != domain.DealNegotiating || out.Entries[1].Kind != string(domain.EventTermsAccepted) {
		t.Fatalf("expected two-step history, got %+v", out.Entries)
	}
}

func TestTerminalDealRejectsEvents(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventExplicitReject, Reason: "not interested"}).Deal
	if d.Status != domain.DealClosedLost || d.ClosedReason != "not interested" {
		t.Fatalf("expected closed_lost, got %+v", d)
	}
	historyLen := len(d.History)
	for _, typ := range []domain.DealEventType{domain.EventResponseReceived, domain.EventTimeout, domain.EventExplicitReject} {
		if _, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 2, Type: typ}); err == nil {
			t.Fatalf("%s applied to terminal deal", typ)
		}
	}
	if len(d.History) != historyLen {
		t.Fatalf("terminal history grew")
	}
}

func TestDuplicateSeqIsNoop(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched}).Deal
	out := mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched})
	if !out.Duplicate || out.Deal.Status != domain.DealOutreachSent || len(out.Deal.History) != len(d.History) {
		t.Fatalf("duplicate should be a no-op: %+v", out)
	}
	if len(out.Requests) != 0 {
		t.Fatalf("duplicate must not emit requests")
	}
	closed := mustApply(t, m, d, domain.DealEvent{Seq: 2, Type: domain.EventExplicitReject}).Deal
	replay := mustApply(t, m, closed, domain.DealEvent{Seq: 2, Type: domain.EventExplicitReject})
	if !replay.Duplicate {
		t.Fatalf("replay against closed deal should be a duplicate no-op")
	}
}

func TestTimerDoesNotConsumeClientSeq(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Type: domain.EventTimeout}).Deal
	if d.LastSeq != 1 || d.FollowUps != 1 {
		t.Fatalf("after timer: last_seq=%d follow_ups=%d", d.LastSeq, d.FollowUps)
	}
	out := mustApply(t, m, d, domain.DealEvent{Seq: 2, Type: domain.EventResponseReceived})
	if out.Duplicate || out.Deal.Status != domain.DealEngaged {
		t.Fatalf("client seq 2 after a timer must apply: duplicate=%v status=%s", out.Duplicate, out.Deal.Status)
	}
	steps := make([]int64, 0, len(out.Deal.History))
	for _, h := range out.Deal.History {
		steps = append(steps, h.Step)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] != steps[i-1]+1 {
			t.Fatalf("history steps not contiguous: %v", steps)
		}
	}
	last := out.Deal.History[len(out.Deal.History)-1]
	if last.Seq != 2 || last.Kind != string(domain.EventResponseReceived) {
		t.Fatalf("last entry = %+v", last)
	}
}

func TestLowerUnappliedSeqIsNotDuplicate(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 5, Type: domain.EventOutreachDispatched}).Deal
	out := mustApply(t, m, d, domain.DealEvent{Seq: 3, Type: domain.EventResponseReceived})
	if out.Duplicate || out.Deal.Status != domain.DealEngaged {
		t.Fatalf("seq 3 was never applied: duplicate=%v status=%s", out.Duplicate, out.Deal.Status)
	}
	if out.Deal.LastSeq != 5 || !out.Deal.Applied(3) || !out.Deal.Applied(5) || out.Deal.Applied(4) {
		t.Fatalf("applied set = %v last_seq=%d", out.Deal.AppliedSeqs, out.Deal.LastSeq)
	}
	replay := mustApply(t, m, out.Deal, domain.DealEvent{Seq: 3, Type: domain.EventResponseReceived})
	if !replay.Duplicate {
		t.Fatalf("replaying seq 3 should be a duplicate")
	}
}

func TestRejectedEventDoesNotRecordSeq(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 1, Type: domain.EventContractSigned}); err == nil {
		t.Fatalf("contract_signed from new must fail")
	}
	out := mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched})
	if out.Duplicate || out.Deal.Status != domain.DealOutreachSent {
		t.Fatalf("seq of a rejected event must stay free: %+v", out)
	}
}

func TestNeedsCapturedQuotesMissingTerms(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Seq: 1, Type: domain.EventOutreachDispatched}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Seq: 2, Type: domain.EventResponseReceived}).Deal
	out := mustApply(t, m, d, domain.DealEvent{Seq: 3, Type: domain.EventNeedsCaptured, Proposal: &domain.Terms{
		Services: []string{"web_development"}, Revisions: 2,
	}})
	p := out.Deal.Proposal
	// low tier and minimal scope: 3000 x 0.8 x 0.8
	if p.Price != 1920 || p.TimelineDays != 17 || p.Revisions != 2 {
		t.Fatalf("quoted proposal = %+v", p)
	}
	entry := out.Entries[len(out.Entries)-1]
	if entry.Payload["tier"] != TierLow || entry.Payload["scope"] != ScopeMinimal {
		t.Fatalf("quote not recorded: %+v", entry.Payload)
	}
	if out.Requests[0].Fields["price"] != "1920.00" {
		t.Fatalf("proposal request fields = %+v", out.Requests[0].Fields)
	}

	explicit := mustApply(t, m, d, domain.DealEvent{Seq: 3, Type: domain.EventNeedsCaptured, Proposal: proposal()})
	if explicit.Deal.Proposal.Price != 1000 || explicit.Deal.Proposal.TimelineDays != 14 {
		t.Fatalf("explicit terms must be kept: %+v", explicit.Deal.Proposal)
	}
	if explicit.Entries[len(explicit.Entries)-1].Payload != nil {
		t.Fatalf("no quote expected for explicit terms")
	}

	var ve domain.ValidationError
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 3, Type: domain.EventNeedsCaptured, Proposal: &domain.Terms{
		Services: []string{"web_development"}, Price: -1,
	}}); !errors.As(err, &ve) {
		t.Fatalf("negative price must be a validation error, got %v", err)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Type: domain.EventContractSigned}); err == nil {
		t.Fatalf("contract_signed from new must fail")
	}
	var ve domain.ValidationError
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Type: "bogus"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	d = mustApply(t, m, d, domain.DealEvent{Type: domain.EventOutreachDispatched}).Deal
	d = mustApply(t, m, d, domain.DealEvent{Type: domain.EventResponseReceived}).Deal
	if d.LastSeq != 0 || d.Step != 3 {
		t.Fatalf("unnumbered events must not advance last_seq: last_seq=%d step=%d", d.LastSeq, d.Step)
	}
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Type: domain.EventNeedsCaptured}); !errors.As(err, &ve) {
		t.Fatalf("needs_captured without proposal must be a validation error, got %v", err)
	}
}

func TestTimeoutFollowUpsThenClosedLost(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-1", testLead())
	d = mustApply(t, m, d, domain.DealEvent{Type: domain.EventOutreachDispatched}).Deal
	for i := 1; i <= 2; i++ {
		out := mustApply(t, m, d, domain.DealEvent{Type: domain.EventTimeout})
		d = out.Deal
		if d.Status != domain.DealOutreachSent || d.FollowUps != i {
			t.Fatalf("follow-up %d: %+v", i, d)
		}
		if len(out.Requests) != 1 || out.Requests[0].TemplateID != "followup.outreach_sent" {
			t.Fatalf("expected follow-up request, got %+v", out.Requests)
		}
	}
	d = mustApply(t, m, d, domain.DealEvent{Type: domain.EventTimeout}).Deal
	if d.Status != domain.DealClosedLost || d.ClosedReason != "timeout_exhausted" {
		t.Fatalf("expected closed_lost after follow-ups, got %+v", d)
	}
}

func TestNegotiationWithinBounds(t *testing.T) {
	m := newMachine()
	d := toNegotiating(t, m)
	out := mustApply(t, m, d, domain.DealEvent{Seq: 5, Type: domain.EventClientFeedback, Feedback: &domain.Feedback{
		Concessions: []domain.Concession{{Objection: domain.ObjectionPrice, Kind: KindDiscountPercent, Amount: 5}},
	}})
	if out.Deal.Escalated || out.Deal.Proposal.DiscountPercent != 5 {
		t.Fatalf("expected granted discount, got %+v", out.Deal)
	}
	if math.Abs(out.Deal.Proposal.EffectivePrice()-950) > 1e-9 {
		t.Fatalf("unexpected price %v", out.Deal.Proposal.EffectivePrice())
	}
	// cumulative bound: 5 granted + 6 requested > 10
	out = mustApply(t, m, out.Deal, domain.DealEvent{Seq: 6, Type: domain.EventClientFeedback, Feedback: &domain.Feedback{
		Concessions: []domain.Concession{{Objection: domain.ObjectionPrice, Kind: KindDiscountPercent, Amount: 6}},
	}})
	if !out.Deal.Escalated || out.Deal.Status != domain.DealNegotiating {
		t.Fatalf("expected escalation, got %+v", out.Deal)
	}
	if len(out.Deal.CounterOffer) != 1 || out.Deal.CounterOffer[0].Amount != 5 {
		t.Fatalf("expected counter-offer of remaining 5, got %+v", out.Deal.CounterOffer)
	}
}

func TestEscalationPausesAndResolves(t *testing.T) {
	m := newMachine()
	d := toNegotiating(t, m)
	out := mustApply(t, m, d, domain.DealEvent{Seq: 5, Type: domain.EventClientFeedback, Feedback: &domain.Feedback{
		Concessions: []domain.Concession{{Objection: domain.ObjectionTimeline, Kind: KindExtensionDays, Amount: 10}},
		AcceptAll:   true,
	}})
	d = out.Deal
	if !d.Escalated || d.Status != domain.DealNegotiating {
		t.Fatalf("expected escalated negotiating, got %+v", d)
	}
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 6, Type: domain.EventTermsAccepted}); err == nil {
		t.Fatalf("terms_accepted must be rejected while escalated")
	}
	if _, err := m.Apply(d, testLead(), domain.DealEvent{Seq: 6, Type: domain.EventTimeout}); err == nil {
		t.Fatalf("timeout must be rejected while escalated")
	}
	rejected := false
	d = mustApply(t, m, d, domain.DealEvent{Seq: 6, Type: domain.EventEscalationResolved, Approved: &rejected}).Deal
	if d.Escalated || d.Proposal.TimelineDays != 19 {
		t.Fatalf("expected counter-offer of 5 days applied, got %+v", d.Proposal)
	}
	d = mustApply(t, m, d, domain.DealEvent{Seq: 7, Type: domain.EventTermsAccepted}).Deal
	if d.Status != domain.DealContractSent {
		t.Fatalf("expected contract_sent, got %s", d.Status)
	}
}

func TestOpenSetsPriorityAndDeadline(t *testing.T) {
	m := newMachine()
	d := m.Open("deal-9", testLead())
	if d.Priority != domain.ClassHot {
		t.Fatalf("expected priority from lead classification")
	}
	if d.DeadlineAt != fixedNow.Add(24*time.Hour).Format(time.RFC3339) {
		t.Fatalf("unexpected deadline %s", d.DeadlineAt)
	}
}
