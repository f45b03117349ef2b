// Package governance decides, per proposed action, whether a human has to
// approve it before it may run.
//
// The decision order is fixed and fail-closed:
//
//  1. an unresolved canonical type always requires approval;
//  2. types on the never_auto list always require approval;
//  3. types on the auto_approve allow-list are auto-approved;
//  4. a CEL rule that evaluates to true auto-approves;
//  5. everything else requires approval.
//
// A CEL rule that fails to evaluate is treated as false.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/versioning"
)

// Rule is a CEL expression that may auto-approve a proposal. Expressions see
// the variables action_type (string), params (map), persona (string) and
// tenant (string), and must evaluate to a bool.
type Rule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Expression  string `yaml:"expression"`
}

// PolicyConfig is the on-disk approval policy.
type PolicyConfig struct {
	SchemaVersion string         `yaml:"schema_version"`
	AutoApprove   []actions.Type `yaml:"auto_approve"`
	NeverAuto     []actions.Type `yaml:"never_auto"`
	Rules         []Rule         `yaml:"rules,omitempty"`
}

// DefaultPolicyConfig auto-approves internal, reversible actions only.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		SchemaVersion: "1.0.0",
		AutoApprove: []actions.Type{
			actions.TypeCreateTask,
			actions.TypeSendNotification,
		},
		NeverAuto: []actions.Type{
			actions.TypeRequestPayment,
			actions.TypeUpdateTransactionMilestone,
			actions.TypeSendEmail,
			actions.TypeSendSMS,
		},
	}
}

// Input is what the policy sees of a proposal.
type Input struct {
	Type      actions.Type
	Params    actions.Params
	PersonaID string
	TenantID  string
}

// Decision is the outcome of Evaluate.
type Decision struct {
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
	RuleID           string `json:"rule_id,omitempty"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Policy is an immutable, compiled approval policy.
type Policy struct {
	allow  map[actions.Type]struct{}
	never  map[actions.Type]struct{}
	rules  []compiledRule
	logger *slog.Logger
}

// NewPolicy compiles cfg. Rule compile errors are reported here, not at
// evaluation time.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("persona", cel.StringType),
		cel.Variable("tenant", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &Policy{
		allow:  make(map[actions.Type]struct{}, len(cfg.AutoApprove)),
		never:  make(map[actions.Type]struct{}, len(cfg.NeverAuto)),
		logger: slog.Default().With("component", "governance"),
	}
	for _, t := range cfg.AutoApprove {
		if t == "" {
			return nil, fmt.Errorf("approval policy: empty type in auto_approve")
		}
		p.allow[t] = struct{}{}
	}
	for _, t := range cfg.NeverAuto {
		if t == "" {
			return nil, fmt.Errorf("approval policy: empty type in never_auto")
		}
		p.never[t] = struct{}{}
	}

	for i, r := range cfg.Rules {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("approval policy rule %s: compile: %w", r.ID, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("approval policy rule %s: expression must return bool, got %s", r.ID, out)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("approval policy rule %s: program: %w", r.ID, err)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, prg: prg})
	}
	return p, nil
}

// DefaultPolicy returns the compiled DefaultPolicyConfig.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultPolicyConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicyFile reads a YAML policy from path.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load approval policy: %w", err)
	}
	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse approval policy: %w", err)
	}
	if err := versioning.CheckCatalog("approval policy", cfg.SchemaVersion); err != nil {
		return nil, err
	}
	for i := range cfg.AutoApprove {
		cfg.AutoApprove[i] = actions.Type(strings.ToUpper(strings.TrimSpace(string(cfg.AutoApprove[i]))))
	}
	for i := range cfg.NeverAuto {
		cfg.NeverAuto[i] = actions.Type(strings.ToUpper(strings.TrimSpace(string(cfg.NeverAuto[i]))))
	}
	return NewPolicy(cfg)
}

// Evaluate classifies in.
func (p *Policy) Evaluate(ctx context.Context, in Input) Decision {
	if in.Type == "" {
		return Decision{RequiresApproval: true, Reason: "unresolved action type"}
	}
	if _, ok := p.never[in.Type]; ok {
		return Decision{RequiresApproval: true, Reason: fmt.Sprintf("%s is never auto-approved", in.Type)}
	}
	if _, ok := p.allow[in.Type]; ok {
		return Decision{RequiresApproval: false, Reason: fmt.Sprintf("%s is on the auto-approve list", in.Type)}
	}

	if len(p.rules) > 0 {
		params := map[string]any(in.Params)
		if params == nil {
			params = map[string]any{}
		}
		vars := map[string]any{
			"action_type": string(in.Type),
			"params":      params,
			"persona":     in.PersonaID,
			"tenant":      in.TenantID,
		}
		for _, r := range p.rules {
			ok, err := evalBool(r.prg, vars)
			if err != nil {
				p.logger.WarnContext(ctx, "approval rule failed, treating as no match",
					"rule", r.ID, "type", in.Type, "tenant", in.TenantID, "error", err)
				continue
			}
			if ok {
				return Decision{RequiresApproval: false, Reason: "auto-approved by rule " + r.ID, RuleID: r.ID}
			}
		}
	}

	return Decision{RequiresApproval: true, Reason: "approval required by policy"}
}

// AutoApproved returns the allow-listed types.
func (p *Policy) AutoApproved() []actions.Type {
	return setToSorted(p.allow)
}

// NeverAuto returns the deny-listed types.
func (p *Policy) NeverAuto() []actions.Type {
	return setToSorted(p.never)
}

func evalBool(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func setToSorted(set map[actions.Type]struct{}) []actions.Type {
	out := make([]actions.Type, 0, len(set))
	for _, t := range actions.Vocabulary() {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	// custom types after the built-in vocabulary
	var extra []string
	for t := range set {
		if !t.IsKnown() {
			extra = append(extra, string(t))
		}
	}
	sort.Strings(extra)
	for _, t := range extra {
		out = append(out, actions.Type(t))
	}
	return out
}
