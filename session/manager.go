package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/device"
	"go.uber.org/zap"
)

var ErrUnknownDevice = errors.New("unknown device")

// Manager holds the open session of every configured device.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// OpenAll opens every device in c. Devices are opened concurrently; if any
// fails, the ones already open are closed and the errors returned.
func OpenAll(ctx context.Context, c *config.Config, deps Deps) (*Manager, error) {
	m := &Manager{logger: deps.Logger, sessions: make(map[string]*Session)}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range c.Devices {
		wg.Add(1)
		go func(d config.DeviceConfig) {
			defer wg.Done()
			s, err := Open(ctx, ConfigFor(c, d), deps)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			m.sessions[d.Name] = s
		}(d)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		m.Close(ctx)
		return nil, err
	}
	return m, nil
}

// NewManager wraps sessions that were opened individually.
func NewManager(logger *zap.Logger, sessions ...*Session) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger, sessions: make(map[string]*Session)}
	for _, s := range sessions {
		m.sessions[s.Name] = s
	}
	return m
}

// Get looks up a session by device name.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDevice, name)
	}
	return s, nil
}

// Mount returns the first mount session, ordered by name.
func (m *Manager) Mount() (*Session, error) {
	for _, s := range m.Sessions() {
		if s.Kind == device.KindMount {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: no mount configured", ErrUnknownDevice)
}

// Sessions returns every session ordered by device name.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshots merges the snapshot feeds of every session. Each device's feed
// is buffered-latest, so a slow reader sees the newest state of every device
// rather than a backlog. The channel is closed when ctx is done or every
// session has closed.
func (m *Manager) Snapshots(ctx context.Context) <-chan device.State {
	sessions := m.Sessions()
	out := make(chan device.State, len(sessions))
	var wg sync.WaitGroup
	for _, s := range sessions {
		sub := s.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case st, ok := <-sub.C():
					if !ok {
						return
					}
					select {
					case out <- st:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Close closes every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, s := range sessions {
		name, s := name, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
