package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"chatloop/internal/domain"
	"chatloop/internal/security"
)

const (
	PythonInvokerName = "python_invoker"

	defaultInterpreter    = "python3"
	defaultPythonTimeout  = 30
	defaultMaxOutputBytes = 65536
	truncationMarker      = "\n... (output truncated)"
	scriptWaitDelay       = 2 * time.Second
)

// ScriptArgs are the arguments accepted by the python_invoker capability.
type ScriptArgs struct {
	Script string       `json:"script" jsonschema_description:"The Python script to execute."`
	Args   []FlexString `json:"args,omitempty" jsonschema_description:"Optional arguments to pass to the script."`
}

// FlexString accepts a JSON string, number, or boolean.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if unq, err := strconv.Unquote(s); err == nil {
		*f = FlexString(unq)
		return nil
	}
	if s == "null" || strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return fmt.Errorf("expected a scalar, got %s", s)
	}
	*f = FlexString(s)
	return nil
}

func (FlexString) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string"}
}

// ScriptResult is the captured outcome of one interpreter run.
type ScriptResult struct {
	Stdout   string
	Stderr   string
	ExitCode *int // nil when the process was terminated by a signal
}

func (r ScriptResult) String() string {
	code := "none"
	if r.ExitCode != nil {
		code = strconv.Itoa(*r.ExitCode)
	}
	return fmt.Sprintf("Exit Code: %s\nStdout: %s\nStderr: %s", code, r.Stdout, r.Stderr)
}

// PythonInvoker runs model-supplied scripts with `<interpreter> -c`.
type PythonInvoker struct {
	interpreter    string
	workDir        string
	timeout        time.Duration
	maxOutputBytes int
	policy         *security.Policy
	logger         *slog.Logger
}

type PythonConfig struct {
	Interpreter    string
	WorkDir        string
	TimeoutSeconds int
	MaxOutputBytes int              // per stream; 0 uses the default
	Policy         *security.Policy // optional
	Logger         *slog.Logger
}

func NewPythonInvoker(cfg PythonConfig) *PythonInvoker {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultPythonTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PythonInvoker{
		interpreter:    cfg.Interpreter,
		workDir:        cfg.WorkDir,
		timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxOutputBytes: cfg.MaxOutputBytes,
		policy:         cfg.Policy,
		logger:         cfg.Logger,
	}
}

var scriptSchema = GenerateSchema[ScriptArgs]()

func (p *PythonInvoker) Name() string { return PythonInvokerName }

func (p *PythonInvoker) Description() string {
	return "Executes a python script provided as a string and returns its output."
}

func (p *PythonInvoker) Parameters() map[string]any { return scriptSchema }

func (p *PythonInvoker) Execute(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[ScriptArgs](PythonInvokerName, args)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Script) == "" {
		return "", domain.NewCapabilityError(PythonInvokerName, "Missing or invalid 'script' parameter")
	}
	if err := p.policy.Check(PythonInvokerName, in.Script); err != nil {
		return "", &domain.CapabilityError{Capability: PythonInvokerName, Message: "Python script execution failed", Err: err}
	}

	scriptArgs := make([]string, len(in.Args))
	for i, a := range in.Args {
		scriptArgs[i] = string(a)
	}

	res, err := p.Run(ctx, in.Script, scriptArgs)
	if err != nil {
		return "", &domain.CapabilityError{Capability: PythonInvokerName, Message: "Python script execution failed", Err: err}
	}
	return res.String(), nil
}

// ScriptFailedError reports a run that exited unsuccessfully.
type ScriptFailedError struct {
	Result ScriptResult
}

func (e *ScriptFailedError) Error() string {
	return "Script execution failed: " + e.Result.String()
}

// Run executes script and returns its captured output. A non-zero exit or a
// signal yields *ScriptFailedError; an interpreter that cannot start yields
// a plain error.
func (p *PythonInvoker) Run(ctx context.Context, script string, args []string) (ScriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	argv := append([]string{"-c", script}, args...)
	cmd := exec.CommandContext(ctx, p.interpreter, argv...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	stdout := &cappedBuffer{limit: p.maxOutputBytes}
	stderr := &cappedBuffer{limit: p.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	killProcessGroup(cmd)
	// Orphaned grandchildren can hold the output pipes open after the kill.
	cmd.WaitDelay = scriptWaitDelay

	p.logger.Info("executing python script", "args", len(args), "timeout", p.timeout)
	err := cmd.Run()

	res := ScriptResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			res.ExitCode = &code
		}
	}

	if err == nil {
		p.logger.Info("python script executed successfully")
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return res, fmt.Errorf("Failed to execute Python script: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		p.logger.Warn("python script interrupted", "err", ctxErr)
		return res, fmt.Errorf("%w: %w", &ScriptFailedError{Result: res}, ctxErr)
	}
	p.logger.Error("python script execution failed", "exit_code", res.ExitCode)
	return res, &ScriptFailedError{Result: res}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(b) > room {
			c.buf.Write(b[:room])
			c.truncated = true
		} else {
			c.buf.Write(b)
		}
	} else if len(b) > 0 {
		c.truncated = true
	}
	return len(b), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}
