// Package playbook evaluates conditional follow-up rules against persisted
// receipts and records the derivative receipts they emit.
package playbook

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/davidahmann/skillgate/core/receipt"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/goccy/go-yaml"
	"github.com/google/cel-go/cel"
)

const (
	rulesSchemaID = "skillgate.playbook"
	rulesSchemaV1 = "1.0.0"
)

type RuleFile struct {
	SchemaID      string `yaml:"schema_id"`
	SchemaVersion string `yaml:"schema_version"`
	Rules         []Rule `yaml:"rules"`
}

type Rule struct {
	ID   string `yaml:"id"`
	When string `yaml:"when"`
	Emit []Emit `yaml:"emit"`
}

// Emit describes one derivative run log. Capability and Provider become the
// derivative's capability resolution when both are set.
type Emit struct {
	Status     string         `yaml:"status"`
	ThreadID   string         `yaml:"thread_id"`
	Capability string         `yaml:"capability"`
	Provider   string         `yaml:"provider"`
	Extension  map[string]any `yaml:"extension"`
}

type Derivative struct {
	RuleID string
	RunLog schemareceipt.RunLog
}

func LoadRules(path string) (RuleFile, error) {
	// #nosec G304 -- rules path is explicit local configuration.
	content, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, fmt.Errorf("read playbook rules: %w", err)
	}
	return ParseRules(content)
}

func ParseRules(data []byte) (RuleFile, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RuleFile{}, fmt.Errorf("parse playbook rules: %w", err)
	}
	if file.SchemaID == "" {
		file.SchemaID = rulesSchemaID
	}
	if file.SchemaVersion == "" {
		file.SchemaVersion = rulesSchemaV1
	}
	if file.SchemaID != rulesSchemaID || file.SchemaVersion != rulesSchemaV1 {
		return RuleFile{}, fmt.Errorf("unsupported playbook schema %s@%s", file.SchemaID, file.SchemaVersion)
	}
	seen := map[string]struct{}{}
	for index, rule := range file.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return RuleFile{}, fmt.Errorf("playbook rule %d missing id", index+1)
		}
		if _, ok := seen[id]; ok {
			return RuleFile{}, fmt.Errorf("duplicate playbook rule id %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(rule.When) == "" {
			return RuleFile{}, fmt.Errorf("playbook rule %q missing when", id)
		}
		file.Rules[index].ID = id
	}
	return file, nil
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Evaluator holds compiled rule conditions. Conditions see the receipt as the
// map variable "receipt".
type Evaluator struct {
	rules []compiledRule
}

func NewEvaluator(file RuleFile) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("receipt", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	compiled := make([]compiledRule, 0, len(file.Rules))
	for _, rule := range file.Rules {
		ast, issues := env.Compile(rule.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rule.ID, issues.Err())
		}
		if !ast.OutputType().IsAssignableType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s condition must be boolean, got %s", rule.ID, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %s: %w", rule.ID, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, program: program})
	}
	return &Evaluator{rules: compiled}, nil
}

// Evaluate returns the derivative run logs r triggers. Playbook-originated
// receipts are refused before any condition runs. A failing condition skips
// its rule; the other rules still run and the failures are joined.
func (e *Evaluator) Evaluate(ctx context.Context, r schemareceipt.Receipt) ([]Derivative, error) {
	if r.Origin == schemareceipt.OriginPlaybook {
		return nil, nil
	}
	fields, err := receipt.Fields(r)
	if err != nil {
		return nil, err
	}
	activation := map[string]any{"receipt": fields}

	var (
		derivatives []Derivative
		errs        []error
	)
	for _, compiled := range e.rules {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out, _, err := compiled.program.ContextEval(ctx, activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", compiled.rule.ID, err))
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok {
			errs = append(errs, fmt.Errorf("rule %s did not return bool", compiled.rule.ID))
			continue
		}
		if !matched {
			continue
		}
		for _, emit := range compiled.rule.Emit {
			derivatives = append(derivatives, Derivative{
				RuleID: compiled.rule.ID,
				RunLog: emitRunLog(emit, r),
			})
		}
	}
	return derivatives, stderrors.Join(errs...)
}

func emitRunLog(emit Emit, parent schemareceipt.Receipt) schemareceipt.RunLog {
	runLog := schemareceipt.RunLog{}
	if status := strings.TrimSpace(emit.Status); status != "" {
		runLog["status"] = status
	}
	threadID := strings.TrimSpace(emit.ThreadID)
	if threadID == "" && parent.ThreadID != nil {
		threadID = *parent.ThreadID
	}
	if threadID != "" {
		runLog["thread_id"] = threadID
	}
	if parent.PlanHash != nil {
		runLog["plan_hash"] = *parent.PlanHash
	}
	capability := strings.TrimSpace(emit.Capability)
	provider := strings.TrimSpace(emit.Provider)
	if capability != "" && provider != "" {
		runLog["capabilities"] = map[string]string{capability: provider}
	}
	if len(emit.Extension) > 0 {
		runLog[schemareceipt.ExtensionKey] = emit.Extension
	}
	return runLog
}
