package config

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// Source hands out the current configuration snapshot. Adapters hold a
// Source rather than a *Config so a reload is visible on their next call.
// The returned snapshot must be treated as read-only.
type Source interface {
	Current() *Config
}

// ErrStatic is returned by Reload on a provider built from a fixed Config.
var ErrStatic = errors.New("configuration is static and cannot be reloaded")

// ReloadFunc observes a successful snapshot swap.
type ReloadFunc func(old, next *Config)

// Provider owns the live configuration snapshot.
type Provider struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex // serializes viper access and listener registration
	v         *viper.Viper
	listeners []ReloadFunc
}

// NewProvider loads the initial snapshot. file may be empty to use the
// default search path.
func NewProvider(file string) (*Provider, error) {
	cfg, v, err := load(file)
	if err != nil {
		return nil, err
	}
	p := &Provider{v: v}
	p.current.Store(cfg)
	return p, nil
}

// Static wraps a fixed Config.
func Static(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Current returns the active snapshot.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// OnReload registers a listener invoked after every successful reload.
func (p *Provider) OnReload(fn ReloadFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Reload re-reads file and environment, validates the result and swaps it
// in. On any error the previous snapshot stays active.
func (p *Provider) Reload() (*Config, error) {
	p.mu.Lock()
	if p.v == nil {
		p.mu.Unlock()
		return p.Current(), ErrStatic
	}
	next, err := read(p.v)
	if err != nil {
		p.mu.Unlock()
		return p.Current(), fmt.Errorf("reload: %w", err)
	}
	old := p.current.Swap(next)
	listeners := append([]ReloadFunc(nil), p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
	logger.Info("Configuration reloaded",
		zap.String("log_level", next.Log.Level),
		zap.String("proxmox_url", next.Proxmox.URL),
		zap.String("netbox_url", next.NetBox.URL),
	)
	return next, nil
}

// Watch reloads whenever the backing config file changes. It is a no-op for
// static providers and when no config file was found.
func (p *Provider) Watch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.v == nil || p.v.ConfigFileUsed() == "" {
		return
	}
	p.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if _, err := p.Reload(); err != nil {
			logger.Warn("Config file changed but reload failed; keeping previous snapshot",
				zap.String("file", e.Name),
				zap.Error(err),
			)
		}
	})
	p.v.WatchConfig()
}
