// Package deal implements the per-deal negotiation state machine. Apply is a
// pure function of the current record and one event; persistence and
// delivery of communication requests belong to the caller.
package deal

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Policy carries the configurable knobs of the machine.
type Policy struct {
	Dwell        map[domain.DealStatus]time.Duration
	MaxFollowUps int
	Rules        RuleTable
	Pricing      Pricing
	Channel      string
}

func DefaultPolicy() Policy {
	return Policy{
		Dwell: map[domain.DealStatus]time.Duration{
			domain.DealNew:          24 * time.Hour,
			domain.DealOutreachSent: 72 * time.Hour,
			domain.DealEngaged:      120 * time.Hour,
			domain.DealProposalSent: 168 * time.Hour,
			domain.DealNegotiating:  168 * time.Hour,
			domain.DealContractSent: 168 * time.Hour,
		},
		MaxFollowUps: 2,
		Rules:        DefaultRules(),
		Pricing:      DefaultPricing(),
		Channel:      "email",
	}
}

type transition struct {
	from []domain.DealStatus
	to   domain.DealStatus
}

var nonTerminal = []domain.DealStatus{
	domain.DealNew, domain.DealOutreachSent, domain.DealEngaged,
	domain.DealProposalSent, domain.DealNegotiating, domain.DealContractSent,
}

// transitions is the exhaustive event table. Timeout keeps the state on a
// follow-up, so its destination is resolved at apply time.
var transitions = map[domain.DealEventType]transition{
	domain.EventOutreachDispatched: {from: []domain.DealStatus{domain.DealNew}, to: domain.DealOutreachSent},
	domain.EventResponseReceived:   {from: []domain.DealStatus{domain.DealOutreachSent}, to: domain.DealEngaged},
	domain.EventNeedsCaptured:      {from: []domain.DealStatus{domain.DealEngaged}, to: domain.DealProposalSent},
	domain.EventClientFeedback:     {from: []domain.DealStatus{domain.DealProposalSent, domain.DealNegotiating}, to: domain.DealNegotiating},
	domain.EventTermsAccepted:      {from: []domain.DealStatus{domain.DealNegotiating}, to: domain.DealContractSent},
	domain.EventContractSigned:     {from: []domain.DealStatus{domain.DealContractSent}, to: domain.DealClosedWon},
	domain.EventExplicitReject:     {from: nonTerminal, to: domain.DealClosedLost},
	domain.EventTimeoutExhausted:   {from: nonTerminal, to: domain.DealClosedLost},
	domain.EventTimeout:            {from: nonTerminal},
	domain.EventEscalationResolved: {from: []domain.DealStatus{domain.DealNegotiating}, to: domain.DealNegotiating},
}

// Known reports whether the event type is part of the table.
func Known(t domain.DealEventType) bool {
	_, ok := transitions[t]
	return ok
}

// Outcome is the result of applying one event.
type Outcome struct {
	Deal      domain.Deal
	Entries   []domain.HistoryEntry
	Requests  []domain.CommRequest
	Handoff   *domain.ProjectSpec
	Duplicate bool
}

func (o Outcome) Escalated() bool { return o.Deal.Escalated }

type Machine struct {
	Policy Policy
	Now    func() time.Time
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Open builds a fresh deal record for a lead.
func (m Machine) Open(id string, lead domain.Lead) domain.Deal {
	now := m.now().UTC()
	d := domain.Deal{
		ID:        id,
		LeadID:    lead.ID,
		Status:    domain.DealNew,
		Priority:  lead.Classification,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
	d.DeadlineAt = m.deadline(domain.DealNew, now)
	d.Step = 1
	d.History = []domain.HistoryEntry{{Step: 1, Kind: "opened", To: domain.DealNew, At: d.CreatedAt}}
	return d
}

// Apply runs one event against the deal. Invalid events return a StateError
// or ValidationError and leave the record untouched.
func (m Machine) Apply(current domain.Deal, lead domain.Lead, ev domain.DealEvent) (Outcome, error) {
	tr, ok := transitions[ev.Type]
	if !ok {
		return Outcome{}, domain.ValidationError{Field: "event.type", Reason: fmt.Sprintf("unknown event %q", ev.Type)}
	}
	if ev.Seq < 0 {
		return Outcome{}, domain.ValidationError{Field: "event.seq", Reason: "must not be negative"}
	}
	if ev.Seq > 0 && current.Applied(ev.Seq) {
		return Outcome{Deal: current, Duplicate: true}, nil
	}
	if current.Status.Terminal() || !contains(tr.from, current.Status) {
		return Outcome{}, m.reject(current, ev)
	}

	d := clone(current)
	now := m.now().UTC()
	a := applier{m: m, d: &d, lead: lead, seq: ev.Seq, now: now}

	var err error
	switch ev.Type {
	case domain.EventOutreachDispatched:
		a.move(ev.Type, tr.to, "")
		a.request("outreach.initial", nil)
	case domain.EventResponseReceived:
		a.move(ev.Type, tr.to, "")
		a.request("needs.questionnaire", nil)
	case domain.EventNeedsCaptured:
		err = a.needsCaptured(ev)
	case domain.EventClientFeedback:
		err = a.clientFeedback(ev)
	case domain.EventTermsAccepted:
		err = a.termsAccepted(ev.Type)
	case domain.EventContractSigned:
		a.move(ev.Type, tr.to, "")
		a.handoff()
		a.request("onboarding.welcome", nil)
	case domain.EventExplicitReject:
		reason := ev.Reason
		if reason == "" {
			reason = "rejected"
		}
		d.ClosedReason = reason
		a.move(ev.Type, tr.to, reason)
	case domain.EventTimeoutExhausted:
		d.ClosedReason = string(domain.EventTimeoutExhausted)
		a.move(ev.Type, tr.to, d.ClosedReason)
	case domain.EventTimeout:
		err = a.timeout(ev)
	case domain.EventEscalationResolved:
		err = a.escalationResolved(ev)
	}
	if err != nil {
		return Outcome{}, err
	}

	if ev.Seq > 0 {
		d.AppliedSeqs = insertSeq(d.AppliedSeqs, ev.Seq)
		d.LastSeq = max(d.LastSeq, ev.Seq)
	}
	d.UpdatedAt = now.Format(time.RFC3339)
	d.History = append(d.History, a.entries...)
	return Outcome{Deal: d, Entries: a.entries, Requests: a.requests, Handoff: a.spec}, nil
}

func (m Machine) reject(d domain.Deal, ev domain.DealEvent) error {
	return domain.StateError{Entity: "deal", ID: d.ID, From: string(d.Status), Event: string(ev.Type)}
}

func (m Machine) deadline(status domain.DealStatus, from time.Time) string {
	if status.Terminal() {
		return ""
	}
	dwell, ok := m.Policy.Dwell[status]
	if !ok || dwell <= 0 {
		return ""
	}
	return from.Add(dwell).UTC().Format(time.RFC3339)
}

type applier struct {
	m        Machine
	d        *domain.Deal
	lead     domain.Lead
	seq      int64
	now      time.Time
	entries  []domain.HistoryEntry
	requests []domain.CommRequest
	spec     *domain.ProjectSpec
}

func (a *applier) move(kind domain.DealEventType, to domain.DealStatus, note string) {
	from := a.d.Status
	a.d.Status = to
	if from != to {
		a.d.FollowUps = 0
	}
	a.d.DeadlineAt = a.m.deadline(to, a.now)
	a.record(string(kind), from, note, nil)
}

func (a *applier) record(kind string, from domain.DealStatus, note string, payload map[string]any) {
	a.d.Step++
	a.entries = append(a.entries, domain.HistoryEntry{
		Step:    a.d.Step,
		Seq:     a.seq,
		Kind:    kind,
		From:    from,
		To:      a.d.Status,
		Note:    note,
		Payload: payload,
		At:      a.now.Format(time.RFC3339),
	})
}

func (a *applier) request(template string, extra map[string]string) {
	channel := a.m.Policy.Channel
	if channel == "" {
		channel = "email"
	}
	if channel == "email" && a.lead.Contact.Email == "" && a.lead.Contact.LinkedIn != "" {
		channel = "linkedin"
	}
	fields := map[string]string{
		"business_name": a.lead.BusinessName,
		"status":        string(a.d.Status),
	}
	if a.d.Proposal != nil {
		fields["price"] = strconv.FormatFloat(a.d.Proposal.EffectivePrice(), 'f', 2, 64)
		fields["timeline_days"] = strconv.Itoa(a.d.Proposal.TimelineDays)
	}
	for k, v := range extra {
		fields[k] = v
	}
	a.requests = append(a.requests, domain.CommRequest{
		Channel:    channel,
		TemplateID: template,
		DealID:     a.d.ID,
		LeadID:     a.d.LeadID,
		Fields:     fields,
	})
}

func (a *applier) needsCaptured(ev domain.DealEvent) error {
	p := ev.Proposal
	switch {
	case p == nil:
		return domain.ValidationError{Field: "proposal", Reason: "required for needs_captured"}
	case len(p.Services) == 0:
		return domain.ValidationError{Field: "proposal.services", Reason: "at least one service required"}
	case p.Price < 0:
		return domain.ValidationError{Field: "proposal.price", Reason: "must not be negative"}
	case p.TimelineDays < 0:
		return domain.ValidationError{Field: "proposal.timeline_days", Reason: "must not be negative"}
	}
	terms := *p
	terms.Services = append([]string(nil), p.Services...)
	var payload map[string]any
	if terms.Price == 0 || terms.TimelineDays == 0 {
		q := a.m.Policy.Pricing.Quote(a.lead, terms.Services)
		if terms.Price == 0 {
			terms.Price = q.Price
		}
		if terms.TimelineDays == 0 {
			terms.TimelineDays = q.TimelineDays
		}
		payload = map[string]any{
			"tier":           q.Tier,
			"scope":          q.Scope,
			"service_prices": q.ServicePrices,
			"quoted_price":   q.Price,
			"quoted_days":    q.TimelineDays,
		}
	}
	a.d.Proposal = &terms
	a.move(ev.Type, domain.DealProposalSent, "")
	a.entries[len(a.entries)-1].Payload = payload
	a.request("proposal.send", nil)
	return nil
}

func (a *applier) clientFeedback(ev domain.DealEvent) error {
	if a.d.Escalated {
		return a.m.reject(*a.d, ev)
	}
	fb := ev.Feedback
	if fb == nil {
		return domain.ValidationError{Field: "feedback", Reason: "required for client_feedback"}
	}
	eval, err := a.m.Policy.Rules.Evaluate(a.d.Granted, fb.Concessions)
	if err != nil {
		return err
	}
	if eval.Escalate() {
		from := a.d.Status
		a.d.Status = domain.DealNegotiating
		a.d.Escalated = true
		a.d.Pending = append([]domain.Concession(nil), fb.Concessions...)
		a.d.CounterOffer = eval.Counter
		a.d.DeadlineAt = ""
		reasons := make([]string, 0, len(eval.Exceeded))
		for _, se := range eval.Exceeded {
			reasons = append(reasons, se.Error())
		}
		a.record("escalation", from, fb.Note, map[string]any{
			"exceeded":      reasons,
			"requested":     fb.Concessions,
			"counter_offer": eval.Counter,
			"accept_all":    fb.AcceptAll,
		})
		return nil
	}
	a.grant(fb.Concessions)
	a.move(domain.EventClientFeedback, domain.DealNegotiating, fb.Note)
	if fb.AcceptAll {
		return a.termsAccepted(domain.EventTermsAccepted)
	}
	if len(fb.Concessions) > 0 {
		a.request("proposal.revised", nil)
	}
	return nil
}

func (a *applier) termsAccepted(kind domain.DealEventType) error {
	if a.d.Escalated {
		return domain.StateError{Entity: "deal", ID: a.d.ID, From: string(a.d.Status) + " (escalated)", Event: string(kind)}
	}
	if a.d.Proposal == nil {
		return domain.ValidationError{Field: "proposal", Reason: "no proposal to accept"}
	}
	contract := *a.d.Proposal
	contract.Services = append([]string(nil), a.d.Proposal.Services...)
	a.d.Contract = &contract
	a.move(kind, domain.DealContractSent, "")
	a.request("contract.send", nil)
	return nil
}

func (a *applier) grant(cs []domain.Concession) {
	if len(cs) == 0 {
		return
	}
	a.d.Granted = append(a.d.Granted, cs...)
	if a.d.Proposal != nil {
		terms := a.m.Policy.Rules.Apply(*a.d.Proposal, cs)
		a.d.Proposal = &terms
	}
}

func (a *applier) timeout(ev domain.DealEvent) error {
	if a.d.Escalated {
		return a.m.reject(*a.d, ev)
	}
	if a.d.FollowUps < a.m.Policy.MaxFollowUps {
		a.d.FollowUps++
		a.d.DeadlineAt = a.m.deadline(a.d.Status, a.now)
		a.record("follow_up", a.d.Status, fmt.Sprintf("follow-up %d of %d", a.d.FollowUps, a.m.Policy.MaxFollowUps), nil)
		a.request("followup."+string(a.d.Status), map[string]string{"attempt": strconv.Itoa(a.d.FollowUps)})
		return nil
	}
	a.d.ClosedReason = string(domain.EventTimeoutExhausted)
	a.move(domain.EventTimeoutExhausted, domain.DealClosedLost, "follow-ups exhausted")
	return nil
}

func (a *applier) escalationResolved(ev domain.DealEvent) error {
	if !a.d.Escalated {
		return a.m.reject(*a.d, ev)
	}
	if ev.Approved == nil {
		return domain.ValidationError{Field: "approved", Reason: "required for escalation_resolved"}
	}
	granted := a.d.CounterOffer
	note := "counter-offer within bounds"
	if *ev.Approved {
		granted = a.d.Pending
		note = "requested concessions approved"
	}
	a.d.Escalated = false
	a.d.Pending = nil
	a.d.CounterOffer = nil
	a.grant(granted)
	a.move(ev.Type, domain.DealNegotiating, note)
	a.request("proposal.revised", nil)
	return nil
}

func (a *applier) handoff() {
	terms := a.d.Contract
	if terms == nil {
		terms = a.d.Proposal
	}
	spec := &domain.ProjectSpec{
		DealID: a.d.ID,
		Client: domain.ClientInfo{
			LeadID:       a.lead.ID,
			BusinessName: a.lead.BusinessName,
			Industry:     a.lead.Industry,
			Contact:      a.lead.Contact,
		},
	}
	if terms != nil {
		spec.Services = append([]string(nil), terms.Services...)
		spec.RequirementsSummary = terms.RequirementsSummary
		spec.DueDate = a.now.AddDate(0, 0, terms.TimelineDays).Format(time.RFC3339)
	}
	a.spec = spec
}

// insertSeq adds seq to the sorted set.
func insertSeq(set []int64, seq int64) []int64 {
	i, found := slices.BinarySearch(set, seq)
	if found {
		return set
	}
	return slices.Insert(set, i, seq)
}

func contains(set []domain.DealStatus, s domain.DealStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func clone(d domain.Deal) domain.Deal {
	out := d
	if d.Proposal != nil {
		p := *d.Proposal
		out.Proposal = &p
	}
	if d.Contract != nil {
		c := *d.Contract
		out.Contract = &c
	}
	out.AppliedSeqs = append([]int64(nil), d.AppliedSeqs...)
	out.Granted = append([]domain.Concession(nil), d.Granted...)
	out.Pending = append([]domain.Concession(nil), d.Pending...)
	out.CounterOffer = append([]domain.Concession(nil), d.CounterOffer...)
	out.History = append([]domain.HistoryEntry(nil), d.History...)
	return out
}
