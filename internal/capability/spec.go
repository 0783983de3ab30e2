package capability

import (
	"fmt"
	"sort"
	"time"

	"github.com/canukguy1974/franky-ai/internal/logger"
)

const (
	RoleExecutor = "executor"
	RoleChecker  = "qa"
	RoleSender   = "sender"

	KindHTTP  = "http"
	KindLocal = "local"
)

// Spec is the configured binding of a capability name.
type Spec struct {
	Role    string        `yaml:"role" json:"role"`
	Kind    string        `yaml:"kind" json:"kind"`
	URL     string        `yaml:"url,omitempty" json:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Token   string        `yaml:"token,omitempty" json:"-"`
	Quota   int           `yaml:"quota,omitempty" json:"quota,omitempty"`
}

func (s Spec) Validate(name string) error {
	switch s.Role {
	case RoleExecutor, RoleChecker, RoleSender:
	default:
		return fmt.Errorf("capability %s: role must be executor, qa or sender", name)
	}
	switch s.Kind {
	case KindLocal:
	case KindHTTP:
		if s.URL == "" {
			return fmt.Errorf("capability %s: url required for http kind", name)
		}
	default:
		return fmt.Errorf("capability %s: kind must be http or local", name)
	}
	if s.Quota < 0 {
		return fmt.Errorf("capability %s: quota must not be negative", name)
	}
	return nil
}

// Build creates a registry from configured specs.
func Build(specs map[string]Spec, log logger.Logger) (*Registry, error) {
	reg := NewRegistry()
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := specs[name]
		if err := spec.Validate(name); err != nil {
			return nil, err
		}
		var err error
		switch spec.Role {
		case RoleExecutor:
			var e Executor = EchoExecutor{}
			if spec.Kind == KindHTTP {
				e = httpExecutor{client: newHTTPClient(spec), url: spec.URL}
			}
			err = reg.RegisterExecutor(name, e)
		case RoleChecker:
			var c QAChecker = PresenceChecker{}
			if spec.Kind == KindHTTP {
				c = httpChecker{client: newHTTPClient(spec), url: spec.URL}
			}
			err = reg.RegisterChecker(name, c)
		case RoleSender:
			var s Sender = LogSender{Logger: log}
			if spec.Kind == KindHTTP {
				s = httpSender{client: newHTTPClient(spec), url: spec.URL}
			}
			err = reg.RegisterSender(name, s)
		}
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
