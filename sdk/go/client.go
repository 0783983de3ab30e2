package frankysdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal Franky HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	Timeout     time.Duration
	RetryCount  int

	http *resty.Client
}

// New creates a client with sane defaults. baseURL should include the API
// prefix, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		RetryCount: 2,
	}
}

// Lead is the API lead model (partial).
type Lead struct {
	ID             string   `json:"id"`
	BusinessName   string   `json:"business_name"`
	Industry       string   `json:"industry,omitempty"`
	Score          int      `json:"score"`
	Classification string   `json:"classification"`
	Warnings       []string `json:"warnings,omitempty"`
	Version        int64    `json:"version"`
}

// Signals is the scoring input for a lead.
type Signals struct {
	AgeYears       *float64         `json:"age_years,omitempty"`
	WebsiteQuality *float64         `json:"website_quality,omitempty"`
	SocialPresence *float64         `json:"social_presence,omitempty"`
	Growth         []string         `json:"growth,omitempty"`
	Needs          []string         `json:"needs,omitempty"`
	Temporal       []TemporalSignal `json:"temporal,omitempty"`
}

type TemporalSignal struct {
	Kind  string   `json:"kind"`
	Delta *float64 `json:"delta,omitempty"`
}

type LeadInput struct {
	ID           string  `json:"id,omitempty"`
	BusinessName string  `json:"business_name"`
	Industry     string  `json:"industry,omitempty"`
	Signals      Signals `json:"signals,omitempty"`
}

// Terms are the commercial terms carried by proposals and contracts.
type Terms struct {
	Services             []string `json:"services"`
	Price                float64  `json:"price"`
	TimelineDays         int      `json:"timeline_days"`
	Revisions            int      `json:"revisions"`
	DiscountPercent      float64  `json:"discount_percent,omitempty"`
	RushFeePercent       float64  `json:"rush_fee_percent,omitempty"`
	FeatureSubstitutions int      `json:"feature_substitutions,omitempty"`
}

type Concession struct {
	Objection string  `json:"objection"`
	Kind      string  `json:"kind"`
	Amount    float64 `json:"amount"`
}

type Feedback struct {
	Concessions []Concession `json:"concessions,omitempty"`
	AcceptAll   bool         `json:"accept_all,omitempty"`
	Note        string       `json:"note,omitempty"`
}

// DealEvent is one step applied to a deal.
type DealEvent struct {
	Seq      int64     `json:"seq,omitempty"`
	Type     string    `json:"type"`
	Proposal *Terms    `json:"proposal,omitempty"`
	Feedback *Feedback `json:"feedback,omitempty"`
	Approved *bool     `json:"approved,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Deal is the API deal model (partial).
type Deal struct {
	ID           string       `json:"id"`
	LeadID       string       `json:"lead_id"`
	Status       string       `json:"status"`
	Priority     string       `json:"priority"`
	Escalated    bool         `json:"escalated"`
	FollowUps    int          `json:"follow_ups"`
	LastSeq      int64        `json:"last_seq"`
	AppliedSeqs  []int64      `json:"applied_seqs,omitempty"`
	Step         int64        `json:"step"`
	Proposal     *Terms       `json:"proposal,omitempty"`
	Contract     *Terms       `json:"contract,omitempty"`
	CounterOffer []Concession `json:"counter_offer,omitempty"`
	ClosedReason string       `json:"closed_reason,omitempty"`
	ProjectID    string       `json:"project_id,omitempty"`
	Version      int64        `json:"version"`
}

type ClientInfo struct {
	LeadID       string `json:"lead_id,omitempty"`
	BusinessName string `json:"business_name"`
	Industry     string `json:"industry,omitempty"`
}

type TaskSpec struct {
	Key       string   `json:"key"`
	Name      string   `json:"name,omitempty"`
	Executor  string   `json:"executor,omitempty"`
	QAChecker string   `json:"qa_checker,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

type ProjectInput struct {
	ID                  string     `json:"id,omitempty"`
	DealID              string     `json:"deal_id,omitempty"`
	Client              ClientInfo `json:"client"`
	Services            []string   `json:"services,omitempty"`
	RequirementsSummary string     `json:"requirements_summary,omitempty"`
	DueDate             string     `json:"due_date,omitempty"`
	Tasks               []TaskSpec `json:"tasks,omitempty"`
	Run                 bool       `json:"run,omitempty"`
}

// Task is the API task model (partial).
type Task struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Status     string   `json:"status"`
	RetryCount int      `json:"retry_count"`
	QAScore    *float64 `json:"qa_score,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Version    int64    `json:"version"`
}

type Project struct {
	ID        string     `json:"id"`
	DealID    string     `json:"deal_id,omitempty"`
	Client    ClientInfo `json:"client"`
	Services  []string   `json:"services"`
	DueDate   string     `json:"due_date,omitempty"`
	Status    string     `json:"status"`
	Cancelled bool       `json:"cancelled"`
	Tasks     []Task     `json:"tasks,omitempty"`
}

type Report struct {
	ProjectID         string         `json:"project_id"`
	Status            string         `json:"status"`
	CompletionPercent float64        `json:"completion_percent"`
	ElapsedPercent    float64        `json:"elapsed_percent"`
	Summary           string         `json:"summary"`
	Counts            map[string]int `json:"counts"`
	Running           bool           `json:"running"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery narrows EventsPage.
type EventQuery struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) SubmitLead(ctx context.Context, in LeadInput) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, "leads", in, &resp)
	return resp, err
}

func (c *Client) GetLead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// OpenDeal starts a deal for a scored lead.
func (c *Client) OpenDeal(ctx context.Context, leadID string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", map[string]string{"lead_id": leadID}, &resp)
	return resp, err
}

// ApplyDealEvent feeds one event to a deal's state machine.
func (c *Client) ApplyDealEvent(ctx context.Context, dealID string, evt DealEvent) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(dealID)+"/events", evt, &resp)
	return resp, err
}

func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TickDeals fires due deal timeouts and returns how many deals advanced.
func (c *Client) TickDeals(ctx context.Context) (int, error) {
	var resp struct {
		Advanced int `json:"advanced"`
	}
	err := c.do(ctx, http.MethodPost, "deals/tick", nil, &resp)
	return resp.Advanced, err
}

func (c *Client) SubmitProject(ctx context.Context, in ProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", in, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunProject starts the project runner in the background on the server.
func (c *Client) RunProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/run", nil, nil)
}

func (c *Client) CancelProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) ProjectReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id)+"/report", nil, &resp)
	return resp, err
}

func (c *Client) ResetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/reset", nil, &resp)
	return resp, err
}

// ResolveEscalation approves or rejects an escalated task.
func (c *Client) ResolveEscalation(ctx context.Context, id string, approve bool, note string) (Task, error) {
	body := map[string]any{"approve": approve, "note": note}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/escalation", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("project_id", q.ProjectID)
	set("type", q.Type)
	set("entity_kind", q.EntityKind)
	set("entity_id", q.EntityID)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) client() *resty.Client {
	if c.http != nil {
		return c.http
	}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(c.BaseURL, "/")).
		SetTimeout(c.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(c.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req := c.client().R().SetContext(ctx).SetError(&errorEnvelope{})
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.SetHeader("X-Actor-Id", c.ActorID)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, "/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
		if env, ok := resp.Error().(*errorEnvelope); ok {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	return nil
}
