package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Dialer builds a client for the device. It does not talk to the device.
type Dialer func(ctx context.Context) (*Client, error)

// StaticDialer returns a Dialer that always builds a client for the same
// endpoint and credential.
func StaticDialer(baseURL, credentials string, httpClient *http.Client, logger *slog.Logger, opts ...Option) Dialer {
	return func(context.Context) (*Client, error) {
		if credentials == "" {
			return nil, apperrors.ErrNoCredentials
		}

		return NewClient(baseURL, credentials, httpClient, logger, opts...), nil
	}
}

// Session tracks the single live connection to the device. Operations
// against the device go through Acquire so that no two of them overlap:
// the device accepts one client session at a time.
type Session struct {
	dial   Dialer
	logger *slog.Logger

	mu        sync.RWMutex
	client    *Client
	info      json.RawMessage
	onConnect func(*Client)

	// op is a one-slot semaphore held for the duration of a device
	// operation.
	op chan struct{}
}

// NewSession creates a disconnected session.
func NewSession(dial Dialer, logger *slog.Logger) *Session {
	return &Session{
		dial:   dial,
		logger: logger,
		op:     make(chan struct{}, 1),
	}
}

// OnConnect registers a callback run after each successful Connect.
func (s *Session) OnConnect(fn func(*Client)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onConnect = fn
}

// Connect dials the device and probes it with an information request.
// On failure the session is left disconnected.
func (s *Session) Connect(ctx context.Context) (json.RawMessage, error) {
	client, err := s.dial(ctx)
	if err != nil {
		s.Disconnect()
		return nil, fmt.Errorf("connecting to device: %w", err)
	}

	info, err := client.Info(ctx)
	if err != nil {
		s.Disconnect()
		return nil, fmt.Errorf("connecting to device: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.info = info
	hook := s.onConnect
	s.mu.Unlock()

	s.logger.Info("device connected", slog.String("addr", client.BaseURL()))

	if hook != nil {
		hook(client)
	}

	return info, nil
}

// Disconnect drops the current client. It is safe to call when already
// disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.logger.Info("device disconnected", slog.String("addr", s.client.BaseURL()))
	}

	s.client = nil
	s.info = nil
}

// Connected reports whether Connect has succeeded since the last
// Disconnect.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return StateDisconnected
	}

	return StateConnected
}

// Info returns the information captured by the last Connect.
func (s *Session) Info() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.info
}

// Remote returns the connected client without taking the operation
// lock.
func (s *Session) Remote() (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return nil, apperrors.ErrDeviceNotConnected
	}

	return s.client, nil
}

// Acquire waits for exclusive use of the device and returns the
// connected client together with a release func. The caller must call
// release exactly once.
func (s *Session) Acquire(ctx context.Context) (*Client, func(), error) {
	if _, err := s.Remote(); err != nil {
		return nil, nil, err
	}

	select {
	case s.op <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() { once.Do(func() { <-s.op }) }

	// The session may have been disconnected while waiting.
	client, err := s.Remote()
	if err != nil {
		release()
		return nil, nil, err
	}

	return client, release, nil
}
