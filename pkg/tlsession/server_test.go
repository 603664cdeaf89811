package tlsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/engine/enginetest"
)

func TestServerAcceptYieldsDistinctHandles(t *testing.T) {
	eng := enginetest.New()
	srv, err := NewServer(eng, Settings{{Name: "cert_file", Value: "server.pem"}, {Name: "key_file", Value: "server.key"}})
	require.NoError(t, err)
	defer srv.Finish()

	ctx := context.Background()
	first, err := srv.Accept(ctx, 10)
	require.NoError(t, err)
	second, err := srv.Accept(ctx, 11)
	require.NoError(t, err)

	assert.NotEqual(t, srv.ep.handle, first.handle)
	assert.NotEqual(t, srv.ep.handle, second.handle)
	assert.NotEqual(t, first.handle, second.handle)
	assert.Equal(t, RoleServer, first.Role())
	assert.Empty(t, first.RemoteHost())

	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Close(ctx))
	assert.Equal(t, 2, eng.Calls(enginetest.OpFree))

	third, err := srv.Accept(ctx, 12)
	require.NoError(t, err)
	require.NoError(t, third.Close(ctx))
}

func TestServerAcceptRetriesOnSameSocket(t *testing.T) {
	eng := enginetest.New()
	eng.Script(enginetest.OpAccept, engine.StatusWantRead, engine.StatusWantWrite)
	srv, err := NewServer(eng, nil)
	require.NoError(t, err)

	s, err := srv.Accept(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, eng.Calls(enginetest.OpAccept))

	require.NoError(t, s.Close(context.Background()))
	srv.Finish()
	assert.Equal(t, eng.Allocated(), eng.Freed())
	assert.Zero(t, eng.DoubleFrees())
}

func TestServerAcceptFailureFreesPeer(t *testing.T) {
	eng := enginetest.New()
	eng.Script(enginetest.OpAccept, engine.StatusWantRead, engine.StatusError)
	srv, err := NewServer(eng, nil)
	require.NoError(t, err)

	s, err := srv.Accept(context.Background(), 3)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, IsNegotiationError(err))
	assert.Contains(t, err.Error(), "tls_accept_socket")
	assert.Contains(t, err.Error(), "enginetest: accept_socket failed")

	ok, err := srv.Accept(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, ok.Close(context.Background()))

	srv.Finish()
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestServerFinishLeavesAcceptedSessions(t *testing.T) {
	eng := enginetest.New()
	eng.PeerData = []byte("ping")
	srv, err := NewServer(eng, nil)
	require.NoError(t, err)

	s, err := srv.Accept(context.Background(), 5)
	require.NoError(t, err)
	srv.Finish()
	srv.Finish()

	_, err = srv.Accept(context.Background(), 6)
	assert.ErrorIs(t, err, ErrContextFinished)

	data, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestServerConstructionFailureReleasesConfig(t *testing.T) {
	eng := enginetest.New()
	eng.FailNewServer = true

	_, err := NewServer(eng, Settings{{Name: "ca_file", Value: "ca.pem"}})
	require.Error(t, err)
	assert.True(t, IsAllocationError(err))
	assert.Contains(t, err.Error(), "tls_server")
	assert.Equal(t, 1, eng.Calls(enginetest.OpFreeConfig))
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestAcceptFuncEchoes(t *testing.T) {
	eng := enginetest.New()
	eng.PeerData = []byte("hello\r\n")

	err := WithServer(eng, nil, func(srv *Server) error {
		return srv.AcceptFunc(context.Background(), 9, func(s *Session) error {
			msg, err := s.Read(context.Background())
			if err != nil {
				return err
			}
			_, err = s.Write(context.Background(), msg)
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("hello\r\n"), eng.Written(s.handle))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, eng.Allocated(), eng.Freed())
}
