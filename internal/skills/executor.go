package skills

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"skillagent/internal/sandbox"
)

// Invocation is one skill call requested by the model: either raw code to
// run, or structured arguments for the skill's default client method.
type Invocation struct {
	SkillName string
	Code      string
	Args      map[string]any
}

// Observation error kinds.
const (
	ErrKindUnknownSkill  = "unknown_skill"
	ErrKindNotExecutable = "not_executable"
	ErrKindBadArgs       = "bad_args"
	ErrKindSandbox       = "sandbox_error"
	ErrKindTimeout       = "timeout"
)

// Observation is the outcome of one invocation, fed back to the model as a
// tool message. Text is always populated, including on failure, so the
// model can react to errors.
type Observation struct {
	SkillName string
	Success   bool
	Text      string
	Raw       *sandbox.ExecuteResult
	Duration  time.Duration
	ErrKind   string
}

// SandboxRunner is the part of the gateway client the executor needs.
type SandboxRunner interface {
	Execute(ctx context.Context, code, sessionID string, env map[string]string) (*sandbox.ExecuteResult, error)
}

// Executor resolves invocations against a registry snapshot and runs them
// through the sandbox gateway.
type Executor struct {
	registry     *Registry
	runner       SandboxRunner
	sandboxSkill string
	env          map[string]string
}

// NewExecutor creates an executor. sandboxSkill names the pseudo-skill
// whose code is executed verbatim without client synthesis. env is passed
// to every execution (service credentials the skill clients read).
func NewExecutor(registry *Registry, runner SandboxRunner, sandboxSkill string, env map[string]string) *Executor {
	return &Executor{
		registry:     registry,
		runner:       runner,
		sandboxSkill: sandboxSkill,
		env:          env,
	}
}

// Execute dispatches one invocation. Resolution errors (unknown skill,
// documentation-only skill, unusable args) produce a failed Observation
// without touching the sandbox.
func (e *Executor) Execute(ctx context.Context, inv Invocation, sessionID string) Observation {
	start := time.Now()

	manifest, err := e.registry.Snapshot().Get(inv.SkillName)
	if err != nil {
		return Observation{
			SkillName: inv.SkillName,
			Text:      fmt.Sprintf("Error: skill %q is not available. Use only skills from the available skills list.", inv.SkillName),
			ErrKind:   ErrKindUnknownSkill,
			Duration:  time.Since(start),
		}
	}
	if !manifest.Executable {
		return Observation{
			SkillName: inv.SkillName,
			Text:      fmt.Sprintf("Error: %q is a documentation record and cannot be executed.", inv.SkillName),
			ErrKind:   ErrKindNotExecutable,
			Duration:  time.Since(start),
		}
	}

	code, errKind, errText := e.resolveCode(manifest, inv)
	if errKind != "" {
		return Observation{
			SkillName: inv.SkillName,
			Text:      errText,
			ErrKind:   errKind,
			Duration:  time.Since(start),
		}
	}

	result, err := e.runner.Execute(ctx, code, sessionID, e.env)
	if err != nil {
		// A gateway deadline reports as a timeout observation whose
		// duration is the configured limit, not the measured wall time.
		var te *sandbox.TimeoutError
		if errors.As(err, &te) {
			return Observation{
				SkillName: inv.SkillName,
				Text:      fmt.Sprintf("Error: execution timed out after %s.", te.Deadline),
				ErrKind:   ErrKindTimeout,
				Duration:  te.Deadline,
			}
		}
		return Observation{
			SkillName: inv.SkillName,
			Text:      fmt.Sprintf("Error: execution failed: %v", err),
			ErrKind:   ErrKindSandbox,
			Duration:  time.Since(start),
		}
	}

	return Observation{
		SkillName: inv.SkillName,
		Success:   result.Success,
		Text:      formatResult(result),
		Raw:       result,
		Duration:  time.Since(start),
	}
}

// resolveCode picks the python source to run: verbatim code for the
// sandbox pseudo-skill and for explicit code blocks, or a synthesized
// client call when the model supplied structured arguments.
func (e *Executor) resolveCode(manifest *Manifest, inv Invocation) (code, errKind, errText string) {
	if inv.SkillName == e.sandboxSkill {
		if strings.TrimSpace(inv.Code) == "" {
			return "", ErrKindBadArgs, "Error: the sandbox skill requires a code block."
		}
		return inv.Code, "", ""
	}

	if len(inv.Args) > 0 {
		if manifest.ClientClass == "" || manifest.DefaultMethod == "" {
			return "", ErrKindBadArgs, fmt.Sprintf(
				"Error: skill %q does not accept structured arguments; provide a code block instead.", manifest.Name)
		}
		synth, err := synthesizeCall(manifest, inv.Args)
		if err != nil {
			return "", ErrKindBadArgs, fmt.Sprintf("Error: invalid arguments for %q: %v", manifest.Name, err)
		}
		return synth, "", ""
	}

	if strings.TrimSpace(inv.Code) == "" {
		return "", ErrKindBadArgs, fmt.Sprintf("Error: skill %q invocation carried neither code nor arguments.", manifest.Name)
	}
	return inv.Code, "", ""
}

// synthesizeCall builds the python snippet that instantiates the skill's
// client and calls its default method with the given keyword arguments.
// The JSON payload travels base64-encoded so argument values can contain
// any quoting without breaking the snippet.
func synthesizeCall(manifest *Manifest, args map[string]any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	payload := base64.StdEncoding.EncodeToString(encoded)
	return fmt.Sprintf(`import base64, json
from services.%s.client import %s

client = %s()
result = client.%s(**json.loads(base64.b64decode('%s').decode('utf-8')))
print(result)
`, manifest.Name, manifest.ClientClass, manifest.ClientClass, manifest.DefaultMethod, payload), nil
}

// formatResult turns a gateway result into the observation text shown to
// the model.
func formatResult(r *sandbox.ExecuteResult) string {
	if r.Success {
		if strings.TrimSpace(r.Stdout) == "" {
			return "(execution succeeded with no output)"
		}
		return r.Stdout
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Execution failed (exit code %d).", r.ExitCode)
	if strings.TrimSpace(r.Stderr) != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(r.Stderr)
	}
	if strings.TrimSpace(r.Stdout) != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(r.Stdout)
	}
	return b.String()
}
