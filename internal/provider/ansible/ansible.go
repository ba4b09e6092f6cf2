// Package ansible runs post-deploy playbooks and maintains the static
// inventory consumed by them.
//
// Requests are typed: the playbook must be a file inside the playbooks
// directory and every --limit target must be a valid inventory name. The
// process is started with a fixed argv and never through a shell.
package ansible

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
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

var _ provider.Provisioner = (*Runner)(nil)

var (
	playbookNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	inventoryNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// playbookExtensions are tried in order when resolving a playbook name.
var playbookExtensions = []string{".yml", ".yaml"}

// Runner implements provider.Provisioner on top of ansible-playbook and a
// YAML inventory file.
type Runner struct {
	cfg     config.Source
	metrics *metrics.Metrics
	inv     *Inventory

	// dial is replaced in tests.
	dial dialFunc
}

// New creates a Runner. m may be nil.
func New(cfg config.Source, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:     cfg,
		metrics: m,
		inv:     NewInventory(func() string { return cfg.Current().Paths.Inventory }),
		dial:    defaultDial,
	}
}

// Inventory returns the inventory the runner passes to ansible-playbook.
func (r *Runner) Inventory() *Inventory { return r.inv }

// resolvePlaybook maps a playbook name to its file.
func (r *Runner) resolvePlaybook(name string) (string, error) {
	if !playbookNamePattern.MatchString(name) {
		return "", apperrors.ErrValidationf("invalid playbook name %q", name).
			WithParams(map[string]interface{}{"field": "playbook"})
	}
	dir := r.cfg.Current().Paths.PlaybooksDir
	for _, ext := range playbookExtensions {
		p := filepath.Join(dir, name+ext)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", apperrors.ErrValidationf("playbook %q not found", name).
		WithParams(map[string]interface{}{"field": "playbook"})
}

// Validate checks req without starting anything.
func (r *Runner) Validate(req domain.PlaybookRequest) error {
	if _, err := r.resolvePlaybook(req.Playbook); err != nil {
		return err
	}
	for _, h := range req.Hosts {
		if !inventoryNamePattern.MatchString(h) {
			return apperrors.ErrValidationf("invalid host %q", h).
				WithParams(map[string]interface{}{"field": "hosts"})
		}
	}
	for _, g := range req.Groups {
		if !inventoryNamePattern.MatchString(g) {
			return apperrors.ErrValidationf("invalid group %q", g).
				WithParams(map[string]interface{}{"field": "groups"})
		}
	}
	return nil
}

// buildArgs returns the ansible-playbook argv for a validated request.
func buildArgs(inventory, playbook string, req domain.PlaybookRequest) ([]string, error) {
	args := []string{"-i", inventory, playbook}
	if limit := req.Limit(); limit != "" {
		args = append(args, "--limit", limit)
	}
	if len(req.ExtraVars) > 0 {
		raw, err := json.Marshal(req.ExtraVars)
		if err != nil {
			return nil, apperrors.ErrValidationf("extra vars are not serializable: %v", err)
		}
		args = append(args, "--extra-vars", string(raw))
	}
	return args, nil
}

// Run executes req, streaming combined output to out.
func (r *Runner) Run(ctx context.Context, req domain.PlaybookRequest, out io.Writer) (err error) {
	if err := r.Validate(req); err != nil {
		return err
	}
	path, _ := r.resolvePlaybook(req.Playbook)

	c := r.cfg.Current()
	args, err := buildArgs(c.Paths.Inventory, path, req)
	if err != nil {
		return err
	}

	started := time.Now()
	defer func() { r.metrics.AdapterCall(provider.SystemAnsible, started, err) }()

	if c.Ansible.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Ansible.Timeout)
		defer cancel()
	}
	if out == nil {
		out = io.Discard
	}
	tail := &tailBuffer{limit: 4096}
	w := io.MultiWriter(out, tail)

	cmd := exec.CommandContext(ctx, c.Ansible.Binary, args...)
	cmd.Dir = c.Paths.PlaybooksDir
	cmd.Env = append(os.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False", "ANSIBLE_NOCOLOR=1")
	if c.SSH.User != "" {
		cmd.Env = append(cmd.Env, "ANSIBLE_REMOTE_USER="+c.SSH.User)
	}
	if c.SSH.KeyPath != "" {
		cmd.Env = append(cmd.Env, "ANSIBLE_PRIVATE_KEY_FILE="+c.SSH.KeyPath)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 10 * time.Second

	logger.Info("Running playbook",
		logger.System(provider.SystemAnsible),
		logger.Playbook(req.Playbook),
		zap.String("limit", req.Limit()),
	)

	if runErr := cmd.Run(); runErr != nil {
		return classify(ctx, c.Ansible.Binary, runErr, tail.String())
	}
	return nil
}

func classify(ctx context.Context, binary string, err error, output string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return apperrors.Unavailable(provider.SystemAnsible, fmt.Errorf("%s not runnable: %w", binary, err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.Unavailable(provider.SystemAnsible, fmt.Errorf("ansible-playbook timed out: %w", ctxErr))
		}
		return fmt.Errorf("ansible-playbook: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return apperrors.Rejected(provider.SystemAnsible,
			fmt.Sprintf("ansible-playbook exited with code %d: %s", exitErr.ExitCode(), lastLines(output, 5))).
			WithCause(err)
	}
	return apperrors.Unavailable(provider.SystemAnsible, err)
}

// Playbooks lists the playbooks directory. The description is the first
// comment line of each file.
func (r *Runner) Playbooks() ([]domain.Playbook, error) {
	dir := r.cfg.Current().Paths.PlaybooksDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.Playbook{}, nil
		}
		return nil, fmt.Errorf("read playbooks dir: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]domain.Playbook, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if !playbookNamePattern.MatchString(name) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, domain.Playbook{
			Name:        name,
			Description: firstComment(filepath.Join(dir, e.Name())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func firstComment(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "---" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
		return ""
	}
	return ""
}

// AddHost puts name into group, or ungrouped when group is empty.
func (r *Runner) AddHost(name, ip, group string) error { return r.inv.AddHost(name, ip, group) }

// RemoveHost drops name from every group.
func (r *Runner) RemoveHost(name string) (bool, error) { return r.inv.RemoveHost(name) }

// Groups lists inventory groups.
func (r *Runner) Groups() ([]string, error) { return r.inv.Groups() }

// Hosts maps host names to their ansible_host.
func (r *Runner) Hosts() (map[string]string, error) { return r.inv.Hosts() }

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
