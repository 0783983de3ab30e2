package server

import (
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
)

type SubmitLeadRequest struct {
	ID           string         `json:"id,omitempty"`
	BusinessName string         `json:"business_name" minLength:"1"`
	Industry     string         `json:"industry,omitempty"`
	Contact      domain.Contact `json:"contact,omitempty"`
	Signals      domain.Signals `json:"signals,omitempty"`
}

type OpenDealRequest struct {
	LeadID string `json:"lead_id" minLength:"1"`
}

type DealEventRequest struct {
	Seq      int64                `json:"seq,omitempty" minimum:"0"`
	Type     domain.DealEventType `json:"type" enum:"outreach_dispatched,response_received,needs_captured,client_feedback,terms_accepted,contract_signed,explicit_reject,timeout,timeout_exhausted,escalation_resolved"`
	Proposal *domain.Terms        `json:"proposal,omitempty"`
	Feedback *domain.Feedback     `json:"feedback,omitempty"`
	Approved *bool                `json:"approved,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

func (r DealEventRequest) event(actorID string) domain.DealEvent {
	return domain.DealEvent{
		Seq:      r.Seq,
		Type:     r.Type,
		ActorID:  actorID,
		Proposal: r.Proposal,
		Feedback: r.Feedback,
		Approved: r.Approved,
		Reason:   r.Reason,
	}
}

type TaskSpecRequest struct {
	Key         string   `json:"key" minLength:"1"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	ServiceType string   `json:"service_type,omitempty"`
	Executor    string   `json:"executor,omitempty"`
	QAChecker   string   `json:"qa_checker,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

type ClientRequest struct {
	LeadID       string         `json:"lead_id,omitempty"`
	BusinessName string         `json:"business_name" minLength:"1"`
	Industry     string         `json:"industry,omitempty"`
	Contact      domain.Contact `json:"contact,omitempty"`
}

type SubmitProjectRequest struct {
	ID                  string            `json:"id,omitempty"`
	DealID              string            `json:"deal_id,omitempty"`
	Client              ClientRequest     `json:"client"`
	Services            []string          `json:"services,omitempty"`
	RequirementsSummary string            `json:"requirements_summary,omitempty"`
	DueDate             string            `json:"due_date,omitempty"`
	Tasks               []TaskSpecRequest `json:"tasks,omitempty"`
	Run                 bool              `json:"run,omitempty" doc:"Start the project runner right after creation"`
}

func (r SubmitProjectRequest) options(actorID string) engine.ProjectSubmitOptions {
	spec := domain.ProjectSpec{
		DealID:              r.DealID,
		Client:              domain.ClientInfo(r.Client),
		Services:            r.Services,
		RequirementsSummary: r.RequirementsSummary,
		DueDate:             r.DueDate,
	}
	for _, t := range r.Tasks {
		spec.Tasks = append(spec.Tasks, domain.TaskSpec(t))
	}
	return engine.ProjectSubmitOptions{ID: r.ID, Spec: spec, ActorID: actorID}
}

type ResolveEscalationRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the calling principal"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret" doc:"Shown once"`
}

type RunAccepted struct {
	ProjectID string `json:"project_id"`
	Running   bool   `json:"running"`
}

type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}
