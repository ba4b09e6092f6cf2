package terraform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.IaC = (*Runner)(nil)

// resourceName is the name of the VM resource inside the module.
const resourceName = "vm"

// Runner invokes the terraform binary in paths.terraform_dir. Processes are
// started with exec.CommandContext, so cancelling ctx kills them.
type Runner struct {
	cfg     config.Source
	metrics *metrics.Metrics
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(cfg config.Source, m *metrics.Metrics) *Runner {
	return &Runner{cfg: cfg, metrics: m}
}

func (r *Runner) settings() (config.TerraformConfig, string) {
	c := r.cfg.Current()
	return c.Terraform, c.Paths.TerraformDir
}

func (r *Runner) lockArg() string {
	s, _ := r.settings()
	return fmt.Sprintf("-lock-timeout=%s", s.LockTimeout)
}

func targetArgs(name string) []string {
	if name == "" {
		return nil
	}
	return []string{"-target=module." + ModuleName(name)}
}

// run executes one terraform command, streaming combined output to out.
func (r *Runner) run(ctx context.Context, out io.Writer, args ...string) (err error) {
	started := time.Now()
	defer func() { r.metrics.AdapterCall(provider.SystemTerraform, started, err) }()

	s, dir := r.settings()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if out == nil {
		out = io.Discard
	}

	tail := &tailBuffer{limit: 4096}
	w := io.MultiWriter(out, tail)

	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 10 * time.Second

	logger.Debug("Running terraform",
		logger.System(provider.SystemTerraform),
		zap.Strings("args", args),
	)

	if err := cmd.Run(); err != nil {
		return classify(ctx, s.Binary, args, err, tail.String())
	}
	return nil
}

func classify(ctx context.Context, binary string, args []string, err error, output string) error {
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return apperrors.Unavailable(provider.SystemTerraform, fmt.Errorf("%s not runnable: %w", binary, err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.Unavailable(provider.SystemTerraform, fmt.Errorf("terraform %s timed out: %w", sub, ctxErr))
		}
		return fmt.Errorf("terraform %s: %w", sub, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return apperrors.Rejected(provider.SystemTerraform,
			fmt.Sprintf("terraform %s exited with code %d: %s", sub, exitErr.ExitCode(), lastLines(output, 5))).
			WithCause(err)
	}
	return apperrors.Unavailable(provider.SystemTerraform, err)
}

// Init initializes providers and modules.
func (r *Runner) Init(ctx context.Context, out io.Writer) error {
	return r.run(ctx, out, "init", "-input=false", "-no-color")
}

// Plan runs a plan, targeted at name's module when name is set.
func (r *Runner) Plan(ctx context.Context, name string, out io.Writer) error {
	args := append([]string{"plan", "-input=false", "-no-color", r.lockArg()}, targetArgs(name)...)
	return r.run(ctx, out, args...)
}

// Apply applies name's module, or the whole workspace.
func (r *Runner) Apply(ctx context.Context, name string, out io.Writer) error {
	args := append([]string{"apply", "-auto-approve", "-input=false", "-no-color", r.lockArg()}, targetArgs(name)...)
	return r.run(ctx, out, args...)
}

// Destroy destroys name's module. An untargeted destroy is refused.
func (r *Runner) Destroy(ctx context.Context, name string, out io.Writer) error {
	if name == "" {
		return apperrors.ErrValidationf("destroy requires a vm name")
	}
	args := append([]string{"destroy", "-auto-approve", "-input=false", "-no-color", r.lockArg()}, targetArgs(name)...)
	return r.run(ctx, out, args...)
}

// Refresh updates state from the real infrastructure without changing it.
func (r *Runner) Refresh(ctx context.Context, out io.Writer) error {
	return r.run(ctx, out, "apply", "-refresh-only", "-auto-approve", "-input=false", "-no-color", r.lockArg())
}

// ResourceAddress returns the address of name's VM resource.
func (r *Runner) ResourceAddress(name string) string {
	s, _ := r.settings()
	return fmt.Sprintf("module.%s.%s.%s", ModuleName(name), s.ResourceType, resourceName)
}

// Import adopts an existing guest into name's module.
func (r *Runner) Import(ctx context.Context, name, node string, vmid int, out io.Writer) error {
	return r.run(ctx, out, "import", "-input=false", "-no-color", r.lockArg(),
		r.ResourceAddress(name), fmt.Sprintf("%s/%d", node, vmid))
}

// StateList returns all resource addresses in state. A missing state file
// yields an empty list.
func (r *Runner) StateList(ctx context.Context) ([]domain.StateResource, error) {
	var buf bytes.Buffer
	if err := r.run(ctx, &buf, "state", "list"); err != nil {
		if strings.Contains(buf.String(), "No state file") {
			return []domain.StateResource{}, nil
		}
		return nil, err
	}
	return parseStateList(buf.String()), nil
}

func parseStateList(output string) []domain.StateResource {
	out := []domain.StateResource{}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		addr := strings.TrimSpace(sc.Text())
		if addr == "" {
			continue
		}
		out = append(out, ParseAddress(addr))
	}
	return out
}

// ParseAddress splits "module.vm_x.type.name" into its parts. Data sources
// and nested modules keep the full remainder in Type/Name.
func ParseAddress(addr string) domain.StateResource {
	res := domain.StateResource{Address: addr}
	rest := addr
	if strings.HasPrefix(rest, "module.") {
		parts := strings.SplitN(strings.TrimPrefix(rest, "module."), ".", 2)
		res.Module = parts[0]
		if len(parts) == 1 {
			return res
		}
		rest = parts[1]
	}
	if i := strings.LastIndexByte(rest, '.'); i > 0 {
		res.Type = rest[:i]
		res.Name = rest[i+1:]
	} else {
		res.Name = rest
	}
	return res
}

// StateShow returns the attributes of one resource.
func (r *Runner) StateShow(ctx context.Context, address string) (*domain.StateDetail, error) {
	var buf bytes.Buffer
	if err := r.run(ctx, &buf, "state", "show", "-no-color", address); err != nil {
		return nil, err
	}
	raw := buf.String()
	return &domain.StateDetail{Address: address, Attributes: parseStateShow(raw), Raw: raw}, nil
}

// parseStateShow collects top-level "key = value" lines of the resource body.
func parseStateShow(output string) map[string]string {
	attrs := map[string]string{}
	depth := 0
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if depth == 1 {
			if k, v, ok := strings.Cut(line, "="); ok && !strings.HasSuffix(line, "{") && !strings.HasSuffix(line, "[") {
				attrs[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
			}
		}
		depth += strings.Count(line, "{") + strings.Count(line, "[")
		depth -= strings.Count(line, "}") + strings.Count(line, "]")
	}
	return attrs
}

// StateRemove forgets address without destroying it.
func (r *Runner) StateRemove(ctx context.Context, address string) error {
	return r.run(ctx, nil, "state", "rm", r.lockArg(), address)
}

// DeployedModules returns module labels with at least one resource in state.
func (r *Runner) DeployedModules(ctx context.Context) (map[string]bool, error) {
	list, err := r.StateList(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, res := range list {
		if res.Module != "" {
			out[res.Module] = true
		}
	}
	return out, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
