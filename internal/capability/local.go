package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/logger"
)

// EchoExecutor produces a deliverable from the task input itself. It backs
// dry runs and local development.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", in.Name)
	if in.Description != "" {
		fmt.Fprintf(&b, "%s\n", in.Description)
	}
	if in.Requirements != "" {
		fmt.Fprintf(&b, "\nRequirements: %s\n", in.Requirements)
	}
	for _, r := range in.Revisions {
		fmt.Fprintf(&b, "\nRevised: %s", r)
	}
	return Output{Deliverable: b.String()}, nil
}

// PresenceChecker passes any non-empty deliverable.
type PresenceChecker struct{}

func (PresenceChecker) Check(ctx context.Context, d Deliverable) (domain.QAReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.QAReport{}, err
	}
	if strings.TrimSpace(d.Content) == "" {
		return domain.QAReport{
			Passed: false,
			Score:  0,
			Issues: []domain.QAIssue{{Description: "deliverable is empty", Severity: "high"}},
		}, nil
	}
	return domain.QAReport{Passed: true, Score: 100}, nil
}

// LogSender records communication requests in the log instead of delivering them.
type LogSender struct {
	Logger logger.Logger
	Now    func() time.Time
}

func (s LogSender) Send(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error) {
	log := s.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	log.Info("communication request", "channel", req.Channel, "template", req.TemplateID, "deal_id", req.DealID)
	return domain.DeliveryReceipt{
		ID:      uuid.NewString(),
		Channel: req.Channel,
		SentAt:  now().UTC().Format(time.RFC3339),
	}, nil
}
