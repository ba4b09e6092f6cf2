package ansible

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dvaper/proxmox-commander/internal/config"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

// dialFunc performs one reachability attempt against addr (host:port).
type dialFunc func(ctx context.Context, addr string, sshCfg config.SSHConfig, timeout time.Duration) error

// defaultDial completes an SSH handshake when a key is configured, otherwise
// it only opens the TCP connection.
func defaultDial(ctx context.Context, addr string, sshCfg config.SSHConfig, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if sshCfg.KeyPath == "" {
		return conn.Close()
	}

	clientCfg, err := clientConfig(sshCfg, timeout)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return err
	}
	return ssh.NewClient(c, chans, reqs).Close()
}

func clientConfig(sshCfg config.SSHConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(sshCfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	user := sshCfg.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Freshly cloned guests have unknown host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// WaitReachable polls ip until SSH answers or timeout elapses. A zero
// timeout uses ssh.wait_timeout.
func (r *Runner) WaitReachable(ctx context.Context, ip string, timeout time.Duration) error {
	sshCfg := r.cfg.Current().SSH
	if timeout <= 0 {
		timeout = sshCfg.WaitTimeout
	}
	interval := sshCfg.WaitInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	port := sshCfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := 0
	var lastErr error
	for {
		attempt++
		attemptTimeout := interval
		if attemptTimeout < time.Second {
			attemptTimeout = time.Second
		}
		lastErr = r.dial(ctx, addr, sshCfg, attemptTimeout)
		if lastErr == nil {
			logger.Info("Host reachable",
				logger.IPAddress(ip),
				logger.System(provider.SystemAnsible),
			)
			return nil
		}
		logger.Debug("Host not reachable yet",
			logger.IPAddress(ip),
		)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return apperrors.Unavailable(provider.SystemAnsible,
					fmt.Errorf("%s not reachable after %s (%d attempts): %w", addr, timeout, attempt, lastErr))
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}
