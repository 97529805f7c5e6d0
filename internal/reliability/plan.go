package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/retry"
)

// Plan is the reliability configuration for one execution.
type Plan struct {
	AgentType    string
	TenantID     string
	Models       []string // primary first, then fallbacks in order
	Policy       retry.Policy
	TotalTimeout time.Duration
	Breaker      *breaker.Config
}

// Validate checks the plan and drops repeated models, keeping the first
// occurrence.
func (p *Plan) Validate() error {
	if p.AgentType == "" {
		return errors.New("plan has no agent type")
	}
	if len(p.Models) == 0 {
		return errors.New("plan has no models")
	}
	seen := make(map[string]struct{}, len(p.Models))
	models := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		if m == "" {
			return errors.New("plan contains an empty model name")
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		models = append(models, m)
	}
	p.Models = models

	if p.TotalTimeout < 0 {
		return fmt.Errorf("total timeout must not be negative, got %v", p.TotalTimeout)
	}
	if p.Breaker != nil {
		if err := p.Breaker.Validate(); err != nil {
			return fmt.Errorf("circuit breaker: %w", err)
		}
	}
	return nil
}
