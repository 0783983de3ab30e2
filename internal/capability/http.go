package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

func newHTTPClient(spec Spec) *resty.Client {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if spec.Token != "" {
		client.SetAuthToken(spec.Token)
	}
	return client
}

// classify maps transport results onto the error taxonomy: network failures,
// 429 and 5xx are transient, any other non-2xx is fatal.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.Transient(err)
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > 512 {
		body = body[:512]
	}
	failure := fmt.Errorf("status %d: %s", code, body)
	if code == http.StatusTooManyRequests || code >= 500 {
		return domain.Transient(failure)
	}
	return domain.Fatal(failure)
}

func post[T any](ctx context.Context, client *resty.Client, url string, body any) (T, error) {
	var out T
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(url)
	if err := classify(resp, err); err != nil {
		return out, err
	}
	return out, nil
}

type httpExecutor struct {
	client *resty.Client
	url    string
}

func (h httpExecutor) Execute(ctx context.Context, in Input) (Output, error) {
	return post[Output](ctx, h.client, h.url, in)
}

type httpChecker struct {
	client *resty.Client
	url    string
}

func (h httpChecker) Check(ctx context.Context, d Deliverable) (domain.QAReport, error) {
	return post[domain.QAReport](ctx, h.client, h.url, d)
}

type httpSender struct {
	client *resty.Client
	url    string
}

func (h httpSender) Send(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error) {
	return post[domain.DeliveryReceipt](ctx, h.client, h.url, req)
}
