// Package capability defines the boundary to the external collaborators that
// do real work: executors, QA checkers and message senders.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Input is what an executor receives for one dispatch of a task.
type Input struct {
	TaskID       string   `json:"task_id"`
	ProjectID    string   `json:"project_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	ServiceType  string   `json:"service_type,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
	Revisions    []string `json:"revisions,omitempty"`
}

type Output struct {
	Deliverable string         `json:"deliverable"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
}

// Deliverable is what a QA checker evaluates.
type Deliverable struct {
	TaskID       string `json:"task_id"`
	ServiceType  string `json:"service_type,omitempty"`
	Name         string `json:"name"`
	Requirements string `json:"requirements,omitempty"`
	Content      string `json:"content"`
}

type Executor interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

type QAChecker interface {
	Check(ctx context.Context, d Deliverable) (domain.QAReport, error)
}

type Sender interface {
	Send(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error)
}

type ExecutorFunc func(ctx context.Context, in Input) (Output, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

type CheckerFunc func(ctx context.Context, d Deliverable) (domain.QAReport, error)

func (f CheckerFunc) Check(ctx context.Context, d Deliverable) (domain.QAReport, error) {
	return f(ctx, d)
}

type SenderFunc func(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error)

func (f SenderFunc) Send(ctx context.Context, req domain.CommRequest) (domain.DeliveryReceipt, error) {
	return f(ctx, req)
}

var ErrUnknownCapability = errors.New("unknown capability")

// Registry is the lookup table from capability name to implementation.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	checkers  map[string]QAChecker
	senders   map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		checkers:  make(map[string]QAChecker),
		senders:   make(map[string]Sender),
	}
}

func (r *Registry) RegisterExecutor(name string, e Executor) error {
	if name == "" || e == nil {
		return fmt.Errorf("executor name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor %q already registered", name)
	}
	r.executors[name] = e
	return nil
}

func (r *Registry) RegisterChecker(name string, c QAChecker) error {
	if name == "" || c == nil {
		return fmt.Errorf("qa checker name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checkers[name]; exists {
		return fmt.Errorf("qa checker %q already registered", name)
	}
	r.checkers[name] = c
	return nil
}

func (r *Registry) RegisterSender(name string, s Sender) error {
	if name == "" || s == nil {
		return fmt.Errorf("sender name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[name]; exists {
		return fmt.Errorf("sender %q already registered", name)
	}
	r.senders[name] = s
	return nil
}

// MustRegisterExecutor panics on registration errors; intended for tests and wiring.
func (r *Registry) MustRegisterExecutor(name string, e Executor) {
	if err := r.RegisterExecutor(name, e); err != nil {
		panic(err)
	}
}

func (r *Registry) MustRegisterChecker(name string, c QAChecker) {
	if err := r.RegisterChecker(name, c); err != nil {
		panic(err)
	}
}

func (r *Registry) MustRegisterSender(name string, s Sender) {
	if err := r.RegisterSender(name, s); err != nil {
		panic(err)
	}
}

// Executor resolves an executor. A missing capability is a FatalError since
// retrying cannot make it appear.
func (r *Registry) Executor(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, domain.Fatal(fmt.Errorf("executor %q: %w", name, ErrUnknownCapability))
	}
	return e, nil
}

func (r *Registry) Checker(name string) (QAChecker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[name]
	if !ok {
		return nil, domain.Fatal(fmt.Errorf("qa checker %q: %w", name, ErrUnknownCapability))
	}
	return c, nil
}

func (r *Registry) Sender(name string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[name]
	if !ok {
		return nil, domain.Fatal(fmt.Errorf("sender %q: %w", name, ErrUnknownCapability))
	}
	return s, nil
}

func (r *Registry) HasExecutor(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

func (r *Registry) HasChecker(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.checkers[name]
	return ok
}

// Names lists registered capability names per role, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{
		RoleExecutor: keys(r.executors),
		RoleChecker:  keys(r.checkers),
		RoleSender:   keys(r.senders),
	}
	return out
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
