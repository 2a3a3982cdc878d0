package execmodule

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/aegisflux/scanengine/internal/bus"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

const (
	maxLineSize = 1 << 20
	stderrLimit = 4096
	waitDelay   = 2 * time.Second
)

// Input is written as a single JSON line to the program's stdin
type Input struct {
	ScanID  string         `json:"scan_id"`
	Target  model.Target   `json:"target"`
	Finding *model.Finding `json:"finding"`
	Options module.Options `json:"options,omitempty"`
}

// Output is one line of the program's stdout. A line either carries a new
// finding or, with Fatal set, asks for the module to be stopped for the rest
// of the scan.
type Output struct {
	Type         model.FindingType `json:"type"`
	Data         string            `json:"data"`
	Confidence   *int              `json:"confidence,omitempty"`
	Risk         *int              `json:"risk,omitempty"`
	Visibility   *int              `json:"visibility,omitempty"`
	ActualSource string            `json:"actual_source,omitempty"`

	Fatal bool   `json:"fatal,omitempty"`
	Error string `json:"error,omitempty"`
}

func (o Output) finding(name string, parent *model.Finding) *model.Finding {
	f := model.NewFinding(o.Type, o.Data, name, parent)
	if o.ActualSource != "" {
		f.WithActualSource(o.ActualSource)
	}
	if o.Confidence != nil {
		f.Confidence = *o.Confidence
	}
	if o.Risk != nil {
		f.Risk = *o.Risk
	}
	if o.Visibility != nil {
		f.Visibility = *o.Visibility
	}
	return f
}

// Module runs its command once per delivered finding
type Module struct {
	spec   Spec
	path   string
	opts   module.Options
	env    module.Env
	logger *slog.Logger
}

// New creates an unconfigured instance
func New(spec Spec, logger *slog.Logger) *Module {
	return &Module{spec: spec, logger: logger}
}

// Descriptor implements module.Module
func (m *Module) Descriptor() module.Descriptor {
	return m.spec.Descriptor
}

// Configure implements module.Module. The command must be resolvable.
func (m *Module) Configure(opts module.Options, env module.Env) error {
	path, err := exec.LookPath(m.spec.Command[0])
	if err != nil {
		return fmt.Errorf("command %q: %w", m.spec.Command[0], err)
	}
	m.path = path
	m.opts = opts
	m.env = env
	if env.Logger != nil {
		m.logger = env.Logger
	}
	return nil
}

func (m *Module) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(m.spec.Env))
	for k := range m.spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+m.spec.Env[k])
	}
	return append(env,
		"SCANENGINE_SCAN_ID="+m.env.ScanID,
		"SCANENGINE_MODULE="+m.spec.Name)
}

// Handle implements module.Module
func (m *Module) Handle(ctx context.Context, f *model.Finding, emit module.Emitter) error {
	input, err := json.Marshal(Input{
		ScanID:  m.env.ScanID,
		Target:  m.env.Target,
		Finding: f,
		Options: m.opts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.path, m.spec.Command[1:]...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	cmd.Env = m.environ()
	cmd.Dir = m.spec.Dir
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return module.Unrecoverable(fmt.Errorf("failed to start %s: %w", m.path, err))
	}
	// Unblock the reader when the run is cut short, even if a grandchild
	// still holds the pipe open.
	stop := context.AfterFunc(runCtx, func() { _ = stdout.Close() })
	defer stop()

	var (
		fatal   string
		emitErr error
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var out Output
		if err := json.Unmarshal(line, &out); err != nil {
			m.logger.Debug("Ignoring malformed output line", "error", err)
			continue
		}
		if out.Fatal {
			fatal = out.Error
			if fatal == "" {
				fatal = "module reported a fatal error"
			}
			continue
		}
		if err := emit.Emit(runCtx, out.finding(m.spec.Name, f)); err != nil && stopsHandler(err) {
			emitErr = err
			cancel()
			break
		}
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()

	switch {
	case fatal != "":
		return module.Unrecoverable(errors.New(fatal))
	case emitErr != nil:
		return emitErr
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", m.spec.Name, ctx.Err())
	case waitErr != nil:
		return fmt.Errorf("%s failed: %w: %s", m.spec.Name, waitErr, stderr.String())
	case scanErr != nil:
		return fmt.Errorf("failed to read output: %w", scanErr)
	}
	return nil
}

// stopsHandler reports whether an emit error means the scan is ending.
// Rejected findings are dropped and the program keeps running.
func stopsHandler(err error) bool {
	return errors.Is(err, bus.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(bytes.TrimSpace(b.buf))
}
