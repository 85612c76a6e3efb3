package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/isolation"
	"github.com/rendis/flowengine/pkg/schema"
)

// LanguageExpr is the language of the built-in expr-lang sandbox.
const LanguageExpr = "expr"

// Sandbox executes Code node programs. Execute returns the program's stdout,
// which the Code runner expects to be a JSON object.
type Sandbox interface {
	Execute(ctx context.Context, language, code string, inputs map[string]any) (string, error)
}

// CodeParams configure a Code node.
type CodeParams struct {
	Language string         `json:"language"`
	Code     string         `json:"code"`
	Inputs   map[string]any `json:"inputs"`
}

// CodeRunner runs a program in the sandbox registered for its language and
// exposes the fields of the JSON object it prints.
type CodeRunner struct {
	*base
}

func (r *CodeRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	var p CodeParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if p.Language == "" {
		p.Language = LanguageExpr
	}
	if strings.TrimSpace(p.Code) == "" {
		return execution.Required(node, "code")
	}
	sb, ok := r.deps.Sandboxes[p.Language]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no sandbox for language %q", p.Language).WithNode(node.ID)
	}

	inputs, err := r.renderMap(node, p.Inputs, ec)
	if err != nil {
		return err
	}
	vr.SetInput(map[string]any{"language": p.Language, "inputs": inputs})

	stdout, err := sb.Execute(ctx, p.Language, p.Code, inputs)
	if err != nil {
		return withNode(schema.Upstream("sandbox", err), node.ID)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err != nil || out == nil {
		return schema.NewError(schema.ErrCodeParse, "code output is not a JSON object").
			WithNode(node.ID).
			WithCause(err).
			WithDetails(map[string]any{"stdout": truncate(stdout, 512)})
	}
	vr.SetOutput(out)
	return nil
}

// --- expr sandbox ---

// ExprSandbox evaluates expr-lang programs with the rendered inputs bound to
// "inputs". The program's result is printed as JSON.
type ExprSandbox struct {
	engine *expressions.ExprEngine
}

// NewExprSandbox creates the built-in expr-lang sandbox.
func NewExprSandbox() *ExprSandbox {
	return &ExprSandbox{engine: expressions.NewExprEngine()}
}

func (s *ExprSandbox) Execute(ctx context.Context, _ string, code string, inputs map[string]any) (string, error) {
	v, err := s.engine.Evaluate(ctx, code, map[string]any{"inputs": inputs})
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- process sandbox ---

const (
	defaultSandboxTimeout = 30 * time.Second
	defaultMaxOutputSize  = 1 << 20
)

// ProcessSandbox runs code with an external interpreter. The program is
// passed as the last argument and the inputs arrive as JSON on stdin.
// With an Isolator the interpreter also runs under Limits.
type ProcessSandbox struct {
	Command       string
	Args          []string
	Timeout       time.Duration
	MaxOutputSize int64
	Isolator      isolation.Isolator
	Limits        isolation.ResourceLimits
}

// NewProcessSandbox creates a sandbox running command args... <code>, for
// example NewProcessSandbox("python3", "-c").
func NewProcessSandbox(command string, args ...string) *ProcessSandbox {
	return &ProcessSandbox{
		Command:       command,
		Args:          args,
		Timeout:       defaultSandboxTimeout,
		MaxOutputSize: defaultMaxOutputSize,
		Limits:        isolation.DefaultLimits,
	}
}

func (s *ProcessSandbox) Execute(ctx context.Context, language, code string, inputs map[string]any) (string, error) {
	stdin, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultSandboxTimeout
	}
	limit := s.MaxOutputSize
	if limit <= 0 {
		limit = defaultMaxOutputSize
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), s.Args...), code)
	cmd := exec.CommandContext(execCtx, s.Command, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: limit}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: limit}

	if s.Isolator != nil {
		wrapped, cleanup, err := s.Isolator.Wrap(execCtx, cmd, s.Limits)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeInternal, "isolate %s program", language).WithCause(err)
		}
		defer cleanup()
		cmd = wrapped
	}

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return "", schema.NewErrorf(schema.ErrCodeLimitExceeded, "%s program killed after %s", language, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", schema.NewErrorf(schema.ErrCodeUpstream, "%s program exited with %d: %s",
				language, exitErr.ExitCode(), truncate(stderr.String(), 512)).WithCause(err)
		}
		return "", err
	}
	return stdout.String(), nil
}

// limitedWriter discards bytes beyond limit but reports them consumed so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ Sandbox = (*ExprSandbox)(nil)
	_ Sandbox = (*ProcessSandbox)(nil)
)
