package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/device/devicetest"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
	"github.com/alexjbarnes/paper-sync/internal/logging"
)

func TestSession_StartsDisconnected(t *testing.T) {
	s := device.NewSession(devicetest.New(t).Dialer(), logging.Discard())

	assert.False(t, s.Connected())
	assert.Equal(t, device.StateDisconnected, s.State())

	_, err := s.Remote()
	assert.True(t, errors.Is(err, apperrors.ErrDeviceNotConnected))

	_, _, err = s.Acquire(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrDeviceNotConnected))
}

func TestSession_ConnectAndDisconnect(t *testing.T) {
	s := device.NewSession(devicetest.New(t).Dialer(), logging.Discard())

	info, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(info), "DPT-RP1")
	assert.True(t, s.Connected())
	assert.Equal(t, device.StateConnected, s.State())
	assert.Equal(t, info, s.Info())

	client, err := s.Remote()
	require.NoError(t, err)
	assert.Equal(t, "test-credentials", client.Credentials())

	s.Disconnect()
	assert.False(t, s.Connected())
	assert.Nil(t, s.Info())

	s.Disconnect()
	assert.False(t, s.Connected())
}

func TestSession_ConnectFailureLeavesDisconnected(t *testing.T) {
	fake := devicetest.New(t)
	s := device.NewSession(fake.Dialer(), logging.Discard())

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	fake.FailNext(100)

	_, err = s.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, s.Connected(), "a failed reconnect drops the previous client")
}

func TestSession_DialError(t *testing.T) {
	dial := device.StaticDialer("https://dpt.local", "", nil, logging.Discard())
	s := device.NewSession(dial, logging.Discard())

	_, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoCredentials))
	assert.False(t, s.Connected())
}

func TestSession_OnConnectHook(t *testing.T) {
	s := device.NewSession(devicetest.New(t).Dialer(), logging.Discard())

	var got string

	s.OnConnect(func(c *device.Client) { got = c.Credentials() })

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-credentials", got)
}

func TestSession_AcquireIsExclusive(t *testing.T) {
	s := device.NewSession(devicetest.New(t).Dialer(), logging.Discard())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	_, release, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	_, release2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestSession_AcquireAfterDisconnectWhileWaiting(t *testing.T) {
	s := device.NewSession(devicetest.New(t).Dialer(), logging.Discard())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	_, release, err := s.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		_, rel, err := s.Acquire(context.Background())
		if rel != nil {
			rel()
		}
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Disconnect()
	release()

	assert.ErrorIs(t, <-errCh, apperrors.ErrDeviceNotConnected)
}
