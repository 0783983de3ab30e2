package domain

import "slices"

type Classification string

const (
	ClassHot      Classification = "hot"
	ClassWarm     Classification = "warm"
	ClassLukewarm Classification = "lukewarm"
	ClassCold     Classification = "cold"
)

type TemporalSignal struct {
	Kind  string   `json:"kind" enum:"freshness,distress,seasonal"`
	Delta *float64 `json:"delta,omitempty"`
}

// Signals is the business signal snapshot captured by discovery.
// Nil numeric fields mean the signal was not observed.
type Signals struct {
	AgeYears       *float64         `json:"age_years,omitempty"`
	WebsiteQuality *float64         `json:"website_quality,omitempty"`
	SocialPresence *float64         `json:"social_presence,omitempty"`
	Growth         []string         `json:"growth,omitempty"`
	Needs          []string         `json:"needs,omitempty"`
	Temporal       []TemporalSignal `json:"temporal,omitempty"`
}

type ScoreBreakdown struct {
	Maturity float64 `json:"maturity"`
	Digital  float64 `json:"digital"`
	Growth   float64 `json:"growth"`
	Need     float64 `json:"need"`
	Base     float64 `json:"base"`
	Temporal float64 `json:"temporal"`
}

type Contact struct {
	Email    string `json:"email,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Lead struct {
	ID             string         `json:"id"`
	BusinessName   string         `json:"business_name"`
	Industry       string         `json:"industry,omitempty"`
	Contact        Contact        `json:"contact"`
	Signals        Signals        `json:"signals"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification" enum:"hot,warm,lukewarm,cold"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Warnings       []string       `json:"warnings,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	ScoredAt       string         `json:"scored_at" format:"date-time"`
}

type DealStatus string

const (
	DealNew          DealStatus = "new"
	DealOutreachSent DealStatus = "outreach_sent"
	DealEngaged      DealStatus = "engaged"
	DealProposalSent DealStatus = "proposal_sent"
	DealNegotiating  DealStatus = "negotiating"
	DealContractSent DealStatus = "contract_sent"
	DealClosedWon    DealStatus = "closed_won"
	DealClosedLost   DealStatus = "closed_lost"
)

func (s DealStatus) Terminal() bool {
	return s == DealClosedWon || s == DealClosedLost
}

type DealEventType string

const (
	EventOutreachDispatched DealEventType = "outreach_dispatched"
	EventResponseReceived   DealEventType = "response_received"
	EventNeedsCaptured      DealEventType = "needs_captured"
	EventClientFeedback     DealEventType = "client_feedback"
	EventTermsAccepted      DealEventType = "terms_accepted"
	EventContractSigned     DealEventType = "contract_signed"
	EventExplicitReject     DealEventType = "explicit_reject"
	EventTimeout            DealEventType = "timeout"
	EventTimeoutExhausted   DealEventType = "timeout_exhausted"
	EventEscalationResolved DealEventType = "escalation_resolved"
)

// Terms are the commercial terms of a proposal or contract.
type Terms struct {
	Services             []string `json:"services"`
	Price                float64  `json:"price"`
	DiscountPercent      float64  `json:"discount_percent,omitempty"`
	Revisions            int      `json:"revisions"`
	FeatureSubstitutions int      `json:"feature_substitutions,omitempty"`
	TimelineDays         int      `json:"timeline_days"`
	RushFeePercent       float64  `json:"rush_fee_percent,omitempty"`
	RequirementsSummary  string   `json:"requirements_summary,omitempty"`
}

// EffectivePrice applies the discount and any rush fee to the base price.
func (t Terms) EffectivePrice() float64 {
	return t.Price * (1 - t.DiscountPercent/100) * (1 + t.RushFeePercent/100)
}

type Objection string

const (
	ObjectionPrice    Objection = "price"
	ObjectionScope    Objection = "scope"
	ObjectionTimeline Objection = "timeline"
)

type Concession struct {
	Objection Objection `json:"objection" enum:"price,scope,timeline"`
	Kind      string    `json:"kind"`
	Amount    float64   `json:"amount"`
}

type Feedback struct {
	Concessions []Concession `json:"concessions,omitempty"`
	AcceptAll   bool         `json:"accept_all,omitempty"`
	Note        string       `json:"note,omitempty"`
}

// DealEvent is an external or timer-generated signal applied to a deal.
// Seq zero marks an internally generated event.
type DealEvent struct {
	Seq      int64         `json:"seq"`
	Type     DealEventType `json:"type"`
	ActorID  string        `json:"actor_id,omitempty"`
	Proposal *Terms        `json:"proposal,omitempty"`
	Feedback *Feedback     `json:"feedback,omitempty"`
	Approved *bool         `json:"approved,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// HistoryEntry records one applied event. Seq is the client sequence number
// and is zero for internally generated events; Step orders every entry.
type HistoryEntry struct {
	Step    int64          `json:"step"`
	Seq     int64          `json:"seq,omitempty"`
	Kind    string         `json:"kind"`
	From    DealStatus     `json:"from"`
	To      DealStatus     `json:"to"`
	Note    string         `json:"note,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      string         `json:"at" format:"date-time"`
}

type Deal struct {
	ID           string         `json:"id"`
	LeadID       string         `json:"lead_id"`
	Status       DealStatus     `json:"status"`
	Priority     Classification `json:"priority"`
	Escalated    bool           `json:"escalated"`
	FollowUps    int            `json:"follow_ups"`
	LastSeq      int64          `json:"last_seq"`
	AppliedSeqs  []int64        `json:"applied_seqs,omitempty"`
	Step         int64          `json:"step"`
	Proposal     *Terms         `json:"proposal,omitempty"`
	Contract     *Terms         `json:"contract,omitempty"`
	Granted      []Concession   `json:"granted,omitempty"`
	Pending      []Concession   `json:"pending,omitempty"`
	CounterOffer []Concession   `json:"counter_offer,omitempty"`
	ClosedReason string         `json:"closed_reason,omitempty"`
	DeadlineAt   string         `json:"deadline_at,omitempty" format:"date-time"`
	ProjectID    string         `json:"project_id,omitempty"`
	Version      int64          `json:"version"`
	History      []HistoryEntry `json:"history,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Applied reports whether the client event numbered seq was already applied.
func (d Deal) Applied(seq int64) bool {
	_, found := slices.BinarySearch(d.AppliedSeqs, seq)
	return found
}

// CommRequest asks the delivery collaborator to send a templated message.
type CommRequest struct {
	Channel    string            `json:"channel"`
	TemplateID string            `json:"template_id"`
	DealID     string            `json:"deal_id"`
	LeadID     string            `json:"lead_id"`
	Fields     map[string]string `json:"fields,omitempty"`
}

type DeliveryReceipt struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	SentAt  string `json:"sent_at"`
}

type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
)

type ClientInfo struct {
	LeadID       string  `json:"lead_id,omitempty"`
	BusinessName string  `json:"business_name"`
	Industry     string  `json:"industry,omitempty"`
	Contact      Contact `json:"contact"`
}

// ProjectSpec is the handoff from a won deal to the scheduler.
type ProjectSpec struct {
	DealID              string     `json:"deal_id,omitempty"`
	Client              ClientInfo `json:"client"`
	Services            []string   `json:"services"`
	RequirementsSummary string     `json:"requirements_summary,omitempty"`
	DueDate             string     `json:"due_date,omitempty" format:"date-time"`
	Tasks               []TaskSpec `json:"tasks,omitempty"`
}

type TaskSpec struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ServiceType string   `json:"service_type,omitempty"`
	Executor    string   `json:"executor,omitempty"`
	QAChecker   string   `json:"qa_checker,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

type Project struct {
	ID                  string        `json:"id"`
	DealID              string        `json:"deal_id,omitempty"`
	Client              ClientInfo    `json:"client"`
	Services            []string      `json:"services"`
	RequirementsSummary string        `json:"requirements_summary,omitempty"`
	DueDate             string        `json:"due_date,omitempty" format:"date-time"`
	Status              ProjectStatus `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Cancelled           bool          `json:"cancelled"`
	CreatedAt           string        `json:"created_at" format:"date-time"`
	Tasks               []Task        `json:"tasks,omitempty"`
}

type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskQAPending      TaskStatus = "qa_pending"
	TaskQAPassed       TaskStatus = "qa_passed"
	TaskQAFailed       TaskStatus = "qa_failed"
	TaskRevisionNeeded TaskStatus = "revision_needed"
	TaskAccepted       TaskStatus = "accepted"
	TaskEscalated      TaskStatus = "escalated"
	TaskFailed         TaskStatus = "failed"
	TaskBlocked        TaskStatus = "blocked"
	TaskCancelled      TaskStatus = "cancelled"
)

// Settled reports whether the scheduler has nothing more to do for the task
// without human input.
func (s TaskStatus) Settled() bool {
	switch s {
	case TaskAccepted, TaskEscalated, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	ServiceType  string     `json:"service_type,omitempty"`
	Executor     string     `json:"executor"`
	QAChecker    string     `json:"qa_checker"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Priority     int        `json:"priority"`
	Seq          int        `json:"seq"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRevisions int        `json:"max_revisions"`
	Attempts     int        `json:"attempts"`
	Revisions    []string   `json:"revisions,omitempty"`
	Output       string     `json:"output,omitempty"`
	QAScore      *float64   `json:"qa_score,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

type QAIssue struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type QAReport struct {
	Passed bool      `json:"passed"`
	Score  float64   `json:"score"`
	Issues []QAIssue `json:"issues,omitempty"`
}

// DeriveProjectStatus computes a project's status from its tasks.
func DeriveProjectStatus(cancelled bool, tasks []Task) ProjectStatus {
	if cancelled {
		return ProjectCancelled
	}
	if len(tasks) == 0 {
		return ProjectPending
	}
	accepted, pending := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case TaskAccepted:
			accepted++
		case TaskPending:
			pending++
		}
	}
	switch {
	case accepted == len(tasks):
		return ProjectCompleted
	case pending == len(tasks):
		return ProjectPending
	default:
		return ProjectInProgress
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind" enum:"lead,deal,project,task,api_key"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
