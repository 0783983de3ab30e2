package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

// DealResult is the outcome of applying one event to a deal.
type DealResult struct {
	Deal       domain.Deal              `json:"deal"`
	Duplicate  bool                     `json:"duplicate"`
	Project    *domain.Project          `json:"project,omitempty"`
	Deliveries []domain.DeliveryReceipt `json:"deliveries,omitempty"`
}

// OpenDeal starts a deal for a lead. A lead has at most one open deal; a
// lead whose last deal was lost gets a new deal record.
func (e Engine) OpenDeal(ctx context.Context, leadID, actorID string) (domain.Deal, error) {
	var d domain.Deal
	err := e.Deals.Do(ctx, "lead:"+leadID, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			lead, err := e.Repo.GetLeadTx(ctx, tx, leadID)
			if err != nil {
				return err
			}
			active, err := e.Repo.ActiveDealForLeadTx(ctx, tx, leadID)
			switch {
			case err == nil:
				return domain.StateError{Entity: "lead", ID: leadID, From: "deal " + active.ID + " " + string(active.Status), Event: "open_deal"}
			case !errors.Is(err, repo.ErrNotFound):
				return err
			}
			d = e.machine().Open(uuid.NewString(), lead)
			history := d.History
			d, err = e.Repo.InsertDealTx(ctx, tx, d)
			if err != nil {
				return err
			}
			if err := e.Repo.AppendHistoryTx(ctx, tx, d.ID, history); err != nil {
				return err
			}
			d.History = history
			return e.events().Append(ctx, tx, events.DealOpened, "", events.KindDeal, d.ID, actorID, events.EventPayload{
				"lead_id":  leadID,
				"priority": d.Priority,
			})
		})
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// ApplyDealEvent runs one event through the deal state machine. Events for
// the same deal are applied one at a time in arrival order. Communication
// requests are delivered after the transition commits.
func (e Engine) ApplyDealEvent(ctx context.Context, dealID string, ev domain.DealEvent) (DealResult, error) {
	var res DealResult
	err := e.Deals.Do(ctx, dealID, func(ctx context.Context) error {
		var (
			requests []domain.CommRequest
			err      error
		)
		res, requests, err = e.applyDealEvent(ctx, dealID, ev)
		if err != nil {
			return err
		}
		res.Deliveries = e.deliver(ctx, res.Deal, requests)
		return nil
	})
	if err != nil {
		return DealResult{}, err
	}
	return res, nil
}

func (e Engine) applyDealEvent(ctx context.Context, dealID string, ev domain.DealEvent) (DealResult, []domain.CommRequest, error) {
	var (
		res      DealResult
		requests []domain.CommRequest
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		res = DealResult{}
		requests = nil
		current, err := e.Repo.GetDealTx(ctx, tx, dealID, false)
		if err != nil {
			return err
		}
		lead, err := e.Repo.GetLeadTx(ctx, tx, current.LeadID)
		if err != nil {
			return err
		}
		out, err := e.machine().Apply(current, lead, ev)
		if err != nil {
			return err
		}
		if out.Duplicate {
			res = DealResult{Deal: current, Duplicate: true}
			return nil
		}
		d := out.Deal
		if out.Handoff != nil {
			p, err := e.createProjectTx(ctx, tx, "", *out.Handoff, ev.ActorID)
			if err != nil {
				return err
			}
			d.ProjectID = p.ID
			res.Project = &p
		}
		d.History = nil
		d, err = e.Repo.UpdateDealTx(ctx, tx, d)
		if err != nil {
			return err
		}
		if err := e.Repo.AppendHistoryTx(ctx, tx, d.ID, out.Entries); err != nil {
			return err
		}
		payload := events.EventPayload{
			"event": ev.Type,
			"seq":   ev.Seq,
			"step":  d.Step,
			"from":  current.Status,
			"to":    d.Status,
		}
		if err := e.events().Append(ctx, tx, events.DealEventApplied, res.projectID(), events.KindDeal, d.ID, ev.ActorID, payload); err != nil {
			return err
		}
		if d.Escalated && !current.Escalated {
			if err := e.events().Append(ctx, tx, events.DealEscalated, "", events.KindDeal, d.ID, ev.ActorID, events.EventPayload{
				"pending":       d.Pending,
				"counter_offer": d.CounterOffer,
			}); err != nil {
				return err
			}
		}
		d.History = out.Entries
		res.Deal = d
		requests = out.Requests
		return nil
	})
	if err != nil {
		return DealResult{}, nil, err
	}
	if !res.Duplicate {
		e.Metrics.DealTransition(ev.Type, res.Deal.Status)
		if res.Deal.Escalated {
			e.Metrics.DealEscalated()
		}
		e.log().Info("deal event applied", "deal", dealID, "event", ev.Type, "status", res.Deal.Status, "escalated", res.Deal.Escalated)
	}
	return res, requests, nil
}

func (r DealResult) projectID() string {
	if r.Project == nil {
		return ""
	}
	return r.Project.ID
}

// deliver sends each request through the sender named by its channel. A
// failed delivery is logged to the event log and never undoes the transition.
func (e Engine) deliver(ctx context.Context, d domain.Deal, requests []domain.CommRequest) []domain.DeliveryReceipt {
	var receipts []domain.DeliveryReceipt
	for _, req := range requests {
		receipt, err := e.send(ctx, req)
		e.Metrics.CommDelivery(req.Channel, err)
		evtType := events.DealCommSent
		payload := events.EventPayload{"channel": req.Channel, "template_id": req.TemplateID}
		if err != nil {
			evtType = events.DealCommFailed
			payload["error"] = err.Error()
			e.log().Warn("communication delivery failed", "deal", d.ID, "template", req.TemplateID, "channel", req.Channel, "err", err)
		} else {
			payload["receipt_id"] = receipt.ID
			receipts = append(receipts, receipt)
		}
		bg := context.WithoutCancel(ctx)
		if logErr := e.inTx(bg, func(tx *sql.Tx) error {
			return e.events().Append(bg, tx, evtType, d.ProjectID, events.KindDeal, d.ID, "", payload)
		}); logErr != nil {
			e.log().Error("record delivery outcome", "deal", d.ID, "err", logErr)
		}
	}
	return receipts
}

func (e Engine) send(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error) {
	sender, err := e.Capabilities.Sender(req.Channel)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	var receipt domain.DeliveryReceipt
	err = retry.Do(ctx, e.deliveryBackoff(), func(ctx context.Context) error {
		var sendErr error
		receipt, sendErr = sender.Send(ctx, req)
		var transient domain.TransientError
		if errors.As(sendErr, &transient) {
			return retry.RetryableError(sendErr)
		}
		return sendErr
	})
	return receipt, err
}

// Tick fires timeouts for open, non-escalated deals whose dwell deadline has
// passed. It returns the number of deals advanced.
func (e Engine) Tick(ctx context.Context) (int, error) {
	due, err := e.Repo.DueDeals(ctx, e.stamp(), 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range due {
		if _, err := e.ApplyDealEvent(ctx, d.ID, domain.DealEvent{Type: domain.EventTimeout, ActorID: "timer"}); err != nil {
			var se domain.StateError
			if errors.As(err, &se) {
				continue
			}
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			e.log().Warn("deal timeout failed", "deal", d.ID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (e Engine) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	return e.Repo.GetDeal(ctx, id, true)
}

func (e Engine) ListDeals(ctx context.Context, f repo.DealFilters) ([]domain.Deal, error) {
	return e.Repo.ListDeals(ctx, f)
}
