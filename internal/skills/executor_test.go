package skills

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillagent/internal/sandbox"
)

type fakeRunner struct {
	lastCode    string
	lastSession string
	lastEnv     map[string]string
	result      *sandbox.ExecuteResult
	err         error
	calls       int
}

func (f *fakeRunner) Execute(_ context.Context, code, sessionID string, env map[string]string) (*sandbox.ExecuteResult, error) {
	f.calls++
	f.lastCode = code
	f.lastSession = sessionID
	f.lastEnv = env
	return f.result, f.err
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	writeSkill(t, root, "sandbox", "---\nname: sandbox_service\ndescription: run python\n---\n")
	writeSkill(t, root, "search", "---\nname: web_search\ndescription: search\nclient_class: WebSearchClient\ndefault_method: search\n---\n")
	writeSkill(t, root, "raw", "---\nname: raw_only\ndescription: no client\n---\n")
	writeSkill(t, root, "docs", "---\nname: style_docs\ndescription: reference\nexecutable: false\n---\n")
	reg, err := NewRegistry(root, "")
	require.NoError(t, err)
	return reg
}

func TestExecuteSandboxSkillVerbatim(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecuteResult{Success: true, Stdout: "3\n"}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", map[string]string{"TOKEN": "t"})

	obs := ex.Execute(context.Background(), Invocation{SkillName: "sandbox_service", Code: "print(1+2)"}, "sess")
	assert.True(t, obs.Success)
	assert.Equal(t, "3\n", obs.Text)
	assert.Equal(t, "print(1+2)", runner.lastCode)
	assert.Equal(t, "sess", runner.lastSession)
	assert.Equal(t, "t", runner.lastEnv["TOKEN"])
	assert.NotNil(t, obs.Raw)
	assert.GreaterOrEqual(t, obs.Duration, time.Duration(0))
}

func TestExecuteSynthesizesClientCall(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecuteResult{Success: true, Stdout: "ok"}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{
		SkillName: "web_search",
		Args:      map[string]any{"query": "go 1.26"},
	}, "")
	require.True(t, obs.Success)

	assert.Contains(t, runner.lastCode, "from services.web_search.client import WebSearchClient")
	assert.Contains(t, runner.lastCode, "client = WebSearchClient()")
	assert.Contains(t, runner.lastCode, "client.search(**json.loads(base64.b64decode(")

	payload := base64.StdEncoding.EncodeToString([]byte(`{"query":"go 1.26"}`))
	assert.Contains(t, runner.lastCode, "'"+payload+"'")
}

func TestExecuteSynthesisSurvivesQuotedArgs(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecuteResult{Success: true, Stdout: "ok"}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{
		SkillName: "web_search",
		Args:      map[string]any{"query": `it's '''triple''' quoted "stuff"`},
	}, "")
	require.True(t, obs.Success)

	// The argument value must be recoverable byte-for-byte from the
	// base64 payload embedded in the snippet.
	start := strings.Index(runner.lastCode, "b64decode('") + len("b64decode('")
	end := strings.Index(runner.lastCode[start:], "'")
	require.Greater(t, end, 0)
	decoded, err := base64.StdEncoding.DecodeString(runner.lastCode[start : start+end])
	require.NoError(t, err)

	var args map[string]any
	require.NoError(t, json.Unmarshal(decoded, &args))
	assert.Equal(t, `it's '''triple''' quoted "stuff"`, args["query"])
}

func TestExecuteForwardsCodeForOtherSkills(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecuteResult{Success: true, Stdout: "done"}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	code := "from services.web_search.client import WebSearchClient\nprint(WebSearchClient().search(query='x'))"
	obs := ex.Execute(context.Background(), Invocation{SkillName: "web_search", Code: code}, "")
	assert.True(t, obs.Success)
	assert.Equal(t, code, runner.lastCode)
}

func TestExecuteUnknownSkill(t *testing.T) {
	runner := &fakeRunner{}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "nope", Code: "x"}, "")
	assert.False(t, obs.Success)
	assert.Equal(t, ErrKindUnknownSkill, obs.ErrKind)
	assert.Contains(t, obs.Text, `"nope" is not available`)
	assert.Zero(t, runner.calls, "resolution failures never reach the sandbox")
}

func TestExecuteNonExecutableSkill(t *testing.T) {
	runner := &fakeRunner{}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "style_docs", Code: "x"}, "")
	assert.Equal(t, ErrKindNotExecutable, obs.ErrKind)
	assert.Zero(t, runner.calls)
}

func TestExecuteArgsWithoutClientClass(t *testing.T) {
	runner := &fakeRunner{}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "raw_only", Args: map[string]any{"a": 1}}, "")
	assert.Equal(t, ErrKindBadArgs, obs.ErrKind)
	assert.Zero(t, runner.calls)
}

func TestExecuteEmptyInvocation(t *testing.T) {
	runner := &fakeRunner{}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "web_search"}, "")
	assert.Equal(t, ErrKindBadArgs, obs.ErrKind)
	assert.Zero(t, runner.calls)
}

func TestExecuteSandboxTransportError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("dial tcp: connection refused")}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "sandbox_service", Code: "print(1)"}, "")
	assert.False(t, obs.Success)
	assert.Equal(t, ErrKindSandbox, obs.ErrKind)
	assert.Contains(t, obs.Text, "connection refused")
}

func TestExecuteGatewayTimeout(t *testing.T) {
	runner := &fakeRunner{err: &sandbox.TimeoutError{Deadline: 2 * time.Second}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "sandbox_service", Code: "while True: pass"}, "")
	assert.False(t, obs.Success)
	assert.Equal(t, ErrKindTimeout, obs.ErrKind)
	assert.Contains(t, obs.Text, "timed out")
	assert.Equal(t, 2*time.Second, obs.Duration, "duration is the configured deadline, not wall time")
}

func TestExecuteFailedRunFormatsStderr(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecuteResult{
		Success:  false,
		ExitCode: 1,
		Stderr:   "Traceback: boom",
		Stdout:   "partial",
	}}
	ex := NewExecutor(testRegistry(t), runner, "sandbox_service", nil)

	obs := ex.Execute(context.Background(), Invocation{SkillName: "sandbox_service", Code: "boom()"}, "")
	assert.False(t, obs.Success)
	assert.Empty(t, obs.ErrKind, "a failed run is an observation, not an executor error")
	assert.Contains(t, obs.Text, "exit code 1")
	assert.Contains(t, obs.Text, "Traceback: boom")
	assert.Contains(t, obs.Text, "partial")
}
