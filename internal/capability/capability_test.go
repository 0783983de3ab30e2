package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/logger"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegisterExecutor("content", EchoExecutor{})
	if err := reg.RegisterExecutor("content", EchoExecutor{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := reg.Executor("content"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	_, err := reg.Executor("missing")
	var fe domain.FatalError
	if !errors.As(err, &fe) || !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected fatal unknown capability, got %v", err)
	}
	if names := reg.Names()[RoleExecutor]; len(names) != 1 || names[0] != "content" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestHTTPExecutorClassifiesStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in Input
		_ = json.NewDecoder(r.Body).Decode(&in)
		code := int(status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_ = json.NewEncoder(w).Encode(Output{Deliverable: "done:" + in.Name})
			return
		}
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	reg, err := Build(map[string]Spec{"remote": {Role: RoleExecutor, Kind: KindHTTP, URL: srv.URL, Timeout: time.Second}}, logger.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	exec, _ := reg.Executor("remote")
	ctx := context.Background()

	out, err := exec.Execute(ctx, Input{Name: "Draft"})
	if err != nil || out.Deliverable != "done:Draft" {
		t.Fatalf("unexpected result %+v %v", out, err)
	}

	status.Store(http.StatusServiceUnavailable)
	_, err = exec.Execute(ctx, Input{Name: "Draft"})
	var te domain.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("503 should be transient, got %v", err)
	}

	status.Store(http.StatusTooManyRequests)
	if _, err = exec.Execute(ctx, Input{}); !errors.As(err, &te) {
		t.Fatalf("429 should be transient, got %v", err)
	}

	status.Store(http.StatusBadRequest)
	_, err = exec.Execute(ctx, Input{})
	var fe domain.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("400 should be fatal, got %v", err)
	}
}

func TestHTTPCheckerDecodesReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.QAReport{Passed: false, Score: 42, Issues: []domain.QAIssue{{Description: "tone", Severity: "medium"}}})
	}))
	defer srv.Close()
	reg, err := Build(map[string]Spec{"qa": {Role: RoleChecker, Kind: KindHTTP, URL: srv.URL}}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	checker, _ := reg.Checker("qa")
	rep, err := checker.Check(context.Background(), Deliverable{Content: "x"})
	if err != nil || rep.Score != 42 || len(rep.Issues) != 1 {
		t.Fatalf("unexpected report %+v %v", rep, err)
	}
}

func TestLocalCapabilities(t *testing.T) {
	out, err := EchoExecutor{}.Execute(context.Background(), Input{Name: "Outline", Revisions: []string{"fix tone"}})
	if err != nil || out.Deliverable == "" {
		t.Fatalf("echo failed: %v", err)
	}
	rep, _ := PresenceChecker{}.Check(context.Background(), Deliverable{Content: out.Deliverable})
	if !rep.Passed || rep.Score != 100 {
		t.Fatalf("expected pass, got %+v", rep)
	}
	rep, _ = PresenceChecker{}.Check(context.Background(), Deliverable{})
	if rep.Passed || len(rep.Issues) == 0 {
		t.Fatalf("empty deliverable must fail")
	}
	receipt, err := LogSender{Logger: logger.Discard()}.Send(context.Background(), domain.CommRequest{Channel: "email", TemplateID: "outreach.initial"})
	if err != nil || receipt.ID == "" || receipt.Channel != "email" {
		t.Fatalf("unexpected receipt %+v %v", receipt, err)
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (Spec{Role: RoleExecutor, Kind: KindHTTP}).Validate("x"); err == nil {
		t.Fatalf("http without url must fail")
	}
	if err := (Spec{Role: "bogus", Kind: KindLocal}).Validate("x"); err == nil {
		t.Fatalf("unknown role must fail")
	}
	if err := (Spec{Role: RoleSender, Kind: KindLocal}).Validate("x"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
