package tlsession

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/engine/enginetest"
)

type testingT interface {
	require.TestingT
	Helper()
}

func connectedClient(t testingT, eng *enginetest.Engine, opts ...Option) (*Client, *Session) {
	t.Helper()
	c, err := NewClient(eng, nil, opts...)
	require.NoError(t, err)
	s, err := c.Connect(context.Background(), "example.test", "443")
	require.NoError(t, err)
	return c, s
}

func TestReadAccumulatesUntilShortRead(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), (3*ReadChunkSize)/8)
	payload = append(payload, []byte("tail")...)

	eng := enginetest.New()
	eng.PeerData = payload
	c, s := connectedClient(t, eng)
	defer c.Finish()

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 4, eng.Calls(enginetest.OpRead))
	assert.Equal(t, int64(len(payload)), s.BytesRead())
}

func TestReadExactMultipleCostsOneExtraRead(t *testing.T) {
	eng := enginetest.New()
	eng.PeerData = bytes.Repeat([]byte{'x'}, 2*ReadChunkSize)
	c, s := connectedClient(t, eng)
	defer c.Finish()

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2*ReadChunkSize)
	assert.Equal(t, 3, eng.Calls(enginetest.OpRead))
}

func TestReadEmpty(t *testing.T) {
	eng := enginetest.New()
	c, s := connectedClient(t, eng)
	defer c.Finish()

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Equal(t, 1, eng.Calls(enginetest.OpRead))
}

func TestReadChunkProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		full := rapid.IntRange(0, 5).Draw(t, "full_chunks")
		short := rapid.IntRange(0, ReadChunkSize-1).Draw(t, "short_len")
		retries := rapid.IntRange(0, 5).Draw(t, "retries")

		payload := make([]byte, full*ReadChunkSize+short)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		eng := enginetest.New()
		eng.PeerData = payload
		c, s := connectedClient(t, eng)
		defer c.Finish()

		signals := make([]engine.Status, retries)
		for i := range signals {
			signals[i] = engine.StatusWantRead
		}
		eng.Script(enginetest.OpRead, signals...)

		got, err := s.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, full+1+retries, eng.Calls(enginetest.OpRead))
	})
}

func TestReadFailureReturnsPartialData(t *testing.T) {
	eng := enginetest.New()
	eng.PeerData = bytes.Repeat([]byte{'y'}, ReadChunkSize+10)
	c, s := connectedClient(t, eng)
	defer c.Finish()

	eng.Script(enginetest.OpRead, engine.StatusOK, engine.StatusError)
	got, err := s.Read(context.Background())
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.Contains(t, err.Error(), "enginetest: read failed")
	assert.Contains(t, err.Error(), "session_id="+s.ID())
	assert.Len(t, got, ReadChunkSize)
}

func TestWriteReadRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := rapid.SliceOfN(rapid.Byte(), 1, ReadChunkSize-1).Draw(t, "msg")

		eng := enginetest.New()
		eng.Responder = enginetest.Echo
		c, s := connectedClient(t, eng)
		defer c.Finish()

		n, err := s.Write(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)

		got, err := s.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	})
}

func TestWriteResubmitsRemainder(t *testing.T) {
	eng := enginetest.New()
	eng.MaxWrite = 3
	c, s := connectedClient(t, eng)
	defer c.Finish()

	eng.Script(enginetest.OpWrite, engine.StatusWantWrite)
	n, err := s.Write(context.Background(), []byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("abcdefgh"), eng.Written(s.handle))
	assert.Equal(t, 4, eng.Calls(enginetest.OpWrite))
	assert.Equal(t, int64(8), s.BytesWritten())
}

func TestWriteEmptyBuffer(t *testing.T) {
	eng := enginetest.New()
	c, s := connectedClient(t, eng)
	defer c.Finish()

	n, err := s.Write(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, eng.Calls(enginetest.OpWrite))
}

// stallingEngine reports success without consuming any bytes.
type stallingEngine struct {
	*enginetest.Engine
}

func (e stallingEngine) Write(engine.Handle, []byte) (int, engine.Status) {
	return 0, engine.StatusOK
}

func TestWriteWithoutProgressFails(t *testing.T) {
	eng := stallingEngine{enginetest.New()}
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	defer c.Finish()
	s, err := c.Connect(context.Background(), "example.test", "443")
	require.NoError(t, err)

	n, err := s.Write(context.Background(), []byte("data"))
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.Zero(t, n)
}

func TestCloseAfterClose(t *testing.T) {
	eng := enginetest.New()
	c, s := connectedClient(t, eng)
	defer c.Finish()

	ctx := context.Background()
	require.NoError(t, s.Close(ctx))
	assert.True(t, s.Closed())

	assert.ErrorIs(t, s.Close(ctx), ErrSessionClosed)
	_, err := s.Read(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, eng.Calls(enginetest.OpClose))
	assert.Zero(t, eng.Calls(enginetest.OpRead))
	assert.Zero(t, eng.Calls(enginetest.OpWrite))
}

func TestCloseAfterFailedWrite(t *testing.T) {
	eng := enginetest.New()
	c, s := connectedClient(t, eng)

	eng.Script(enginetest.OpWrite, engine.StatusWantWrite, engine.StatusError)
	_, err := s.Write(context.Background(), []byte("GET /"))
	require.Error(t, err)
	assert.True(t, IsIOError(err))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, c.Finish())
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestCloseRetriesAndReportsFailure(t *testing.T) {
	eng := enginetest.New()
	srv, err := NewServer(eng, nil)
	require.NoError(t, err)
	defer srv.Finish()

	s, err := srv.Accept(context.Background(), 1)
	require.NoError(t, err)

	eng.Script(enginetest.OpClose, engine.StatusWantWrite, engine.StatusWantRead, engine.StatusError)
	err = s.Close(context.Background())
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.Equal(t, 3, eng.Calls(enginetest.OpClose))
	assert.Equal(t, 1, eng.Calls(enginetest.OpFree))
}

func TestCloseInterruptedStillFreesAcceptedHandle(t *testing.T) {
	eng := enginetest.New()
	srv, err := NewServer(eng, nil, WithMaxRetries(2))
	require.NoError(t, err)

	s, err := srv.Accept(context.Background(), 1)
	require.NoError(t, err)

	eng.Script(enginetest.OpClose, engine.StatusWantRead, engine.StatusWantRead, engine.StatusWantRead)
	err = s.Close(context.Background())
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.True(t, IsIOError(err))

	srv.Finish()
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestConnectFuncPrefersCallerError(t *testing.T) {
	eng := enginetest.New()
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	defer c.Finish()

	eng.Script(enginetest.OpClose, engine.StatusError)
	boom := errors.New("boom")
	err = c.ConnectFunc(context.Background(), "example.test", "443", func(*Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsIOError(err))
}

func TestConnectFuncClosesWhenCallerClosed(t *testing.T) {
	eng := enginetest.New()
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	defer c.Finish()

	err = c.ConnectFunc(context.Background(), "example.test", "443", func(s *Session) error {
		return s.Close(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, eng.Calls(enginetest.OpClose))
}

func TestConnectFuncUsesDetachedContextForClose(t *testing.T) {
	eng := enginetest.New()
	c, err := NewClient(eng, nil)
	require.NoError(t, err)
	defer c.Finish()

	eng.Script(enginetest.OpClose, engine.StatusWantWrite)
	ctx, cancel := context.WithCancel(context.Background())
	err = c.ConnectFunc(ctx, "example.test", "443", func(*Session) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Calls(enginetest.OpClose))
}
