package ansible

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

func newRunner(t *testing.T, script string) (*Runner, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}
	dir := t.TempDir()
	playbooks := filepath.Join(dir, "playbooks")
	require.NoError(t, os.MkdirAll(playbooks, 0o755))
	bin := filepath.Join(dir, "ansible-playbook")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))

	cfg := &config.Config{
		Paths: config.PathsConfig{
			PlaybooksDir: playbooks,
			Inventory:    filepath.Join(dir, "inventory", "hosts.yml"),
		},
		Ansible: config.AnsibleConfig{Binary: bin, Timeout: 10 * time.Second},
		SSH:     config.SSHConfig{Port: 22, WaitTimeout: time.Second, WaitInterval: 10 * time.Millisecond},
	}
	return New(config.Static(cfg), nil), playbooks
}

func writePlaybook(t *testing.T, dir, file, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestValidate(t *testing.T) {
	r, dir := newRunner(t, "exit 0")
	writePlaybook(t, dir, "docker.yml", "- hosts: all\n")

	tests := []struct {
		name string
		req  domain.PlaybookRequest
		ok   bool
	}{
		{"plain", domain.PlaybookRequest{Playbook: "docker"}, true},
		{"with limit", domain.PlaybookRequest{Playbook: "docker", Hosts: []string{"web-01"}, Groups: []string{"webservers"}}, true},
		{"missing file", domain.PlaybookRequest{Playbook: "nginx"}, false},
		{"path traversal", domain.PlaybookRequest{Playbook: "../docker"}, false},
		{"extension given", domain.PlaybookRequest{Playbook: "docker.yml"}, false},
		{"shell in host", domain.PlaybookRequest{Playbook: "docker", Hosts: []string{"web;rm -rf /"}}, false},
		{"space in group", domain.PlaybookRequest{Playbook: "docker", Groups: []string{"a b"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.req)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestRun_FixedArgv(t *testing.T) {
	r, dir := newRunner(t, `for a in "$@"; do echo "[$a]"; done`)
	writePlaybook(t, dir, "docker.yaml", "- hosts: all\n")

	var out bytes.Buffer
	err := r.Run(context.Background(), domain.PlaybookRequest{
		Playbook:  "docker",
		Hosts:     []string{"web-01"},
		Groups:    []string{"db"},
		ExtraVars: map[string]interface{}{"version": "1.2 && reboot"},
	}, &out)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "[-i]")
	assert.Contains(t, got, "["+filepath.Join(dir, "docker.yaml")+"]")
	assert.Contains(t, got, "[--limit]\n[web-01,db]")
	// Extra vars reach the process as a single JSON argument.
	assert.Contains(t, got, `[{"version":"1.2 && reboot"}]`)
}

func TestRun_Failure(t *testing.T) {
	r, dir := newRunner(t, "echo 'fatal: unreachable' >&2\nexit 4")
	writePlaybook(t, dir, "docker.yml", "- hosts: all\n")

	var out bytes.Buffer
	err := r.Run(context.Background(), domain.PlaybookRequest{Playbook: "docker"}, &out)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRejected, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "code 4")
	assert.Contains(t, out.String(), "fatal: unreachable")
}

func TestRun_InvalidNeverStarts(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	r, _ := newRunner(t, "touch "+marker)

	err := r.Run(context.Background(), domain.PlaybookRequest{Playbook: "missing"}, nil)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPlaybooks(t *testing.T) {
	r, dir := newRunner(t, "exit 0")
	writePlaybook(t, dir, "docker.yml", "---\n# Install docker engine\n- hosts: all\n")
	writePlaybook(t, dir, "base.yaml", "- hosts: all\n")
	writePlaybook(t, dir, "notes.txt", "# not a playbook\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "roles"), 0o755))

	got, err := r.Playbooks()
	require.NoError(t, err)
	assert.Equal(t, []domain.Playbook{
		{Name: "base", Description: ""},
		{Name: "docker", Description: "Install docker engine"},
	}, got)
}

func TestWaitReachable(t *testing.T) {
	r, _ := newRunner(t, "exit 0")

	var calls atomic.Int32
	r.dial = func(_ context.Context, addr string, _ config.SSHConfig, _ time.Duration) error {
		assert.Equal(t, "192.168.60.198:22", addr)
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	require.NoError(t, r.WaitReachable(context.Background(), "192.168.60.198", time.Second))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitReachable_Timeout(t *testing.T) {
	r, _ := newRunner(t, "exit 0")
	r.dial = func(context.Context, string, config.SSHConfig, time.Duration) error {
		return errors.New("connection refused")
	}
	err := r.WaitReachable(context.Background(), "192.168.60.198", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}
