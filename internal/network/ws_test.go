package network

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayServer(t *testing.T) (*WSListener, string) {
	t.Helper()
	l := NewWSListener(serverID, DefaultWSOptions())
	srv := httptest.NewServer(l)
	t.Cleanup(func() {
		l.Close()
		srv.Close()
	})
	return l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitEvent(t *testing.T, l Listener, kind StatusKind) StatusEvent {
	t.Helper()
	var ev StatusEvent
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = l.PollEvent()
		return ok
	}, 2*time.Second, 5*time.Millisecond, "no %s event", kind)
	require.Equal(t, kind, ev.Kind)
	return ev
}

func waitMessages(t *testing.T, conn Connection, n int) []Message {
	t.Helper()
	var got []Message
	require.Eventually(t, func() bool {
		got = append(got, conn.Receive(n-len(got))...)
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestWSRelayExchange(t *testing.T) {
	l, url := newRelayServer(t)

	client, err := NewWSDialer(url, clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)

	// Queued before the handshake completes.
	require.NoError(t, client.Send([]byte("hello"), SendReliable))

	ev := waitEvent(t, l, StatusConnecting)
	assert.Equal(t, clientID, ev.Remote)
	require.NoError(t, ev.Request.Accept())

	server := waitEvent(t, l, StatusConnected).Conn
	require.NotNil(t, server)
	assert.Equal(t, 1, l.registry.Count())

	msgs := waitMessages(t, server, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Data)
	assert.Equal(t, clientID, msgs[0].Sender)

	require.NoError(t, server.Send([]byte{1, 2, 3}, SendReliable))
	msgs = waitMessages(t, client, 1)
	assert.Equal(t, []byte{1, 2, 3}, msgs[0].Data)
}

func TestWSRelayRejectCarriesReason(t *testing.T) {
	l, url := newRelayServer(t)

	client, err := NewWSDialer(url, clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)

	ev := waitEvent(t, l, StatusConnecting)
	ev.Request.Reject(EndServerFull, "Server full!")

	require.Eventually(t, func() bool {
		_, ended := client.Ended()
		return ended
	}, 2*time.Second, 5*time.Millisecond)

	info, _ := client.Ended()
	assert.Equal(t, EndServerFull, info.Reason)
	assert.Equal(t, "Server full!", info.Debug)
}

func TestWSRelayServerCloseReachesClient(t *testing.T) {
	l, url := newRelayServer(t)

	client, err := NewWSDialer(url, clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)
	require.NoError(t, waitEvent(t, l, StatusConnecting).Request.Accept())
	server := waitEvent(t, l, StatusConnected).Conn

	require.NoError(t, server.Send([]byte("bye"), SendReliable))
	server.Close(EndAuthFailed, "", true)

	msgs := waitMessages(t, client, 1)
	assert.Equal(t, []byte("bye"), msgs[0].Data)

	require.Eventually(t, func() bool {
		_, ended := client.Ended()
		return ended
	}, 2*time.Second, 5*time.Millisecond)
	info, _ := client.Ended()
	assert.Equal(t, EndAuthFailed, info.Reason)
}

func TestWSRelayClientCloseReportsDisconnected(t *testing.T) {
	l, url := newRelayServer(t)

	client, err := NewWSDialer(url, clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)
	require.NoError(t, waitEvent(t, l, StatusConnecting).Request.Accept())
	waitEvent(t, l, StatusConnected)

	client.Close(EndClientDisconnect, "leaving", false)

	ev := waitEvent(t, l, StatusDisconnected)
	assert.Equal(t, clientID, ev.Remote)
	assert.Equal(t, EndClientDisconnect, ev.End.Reason)
	assert.Equal(t, 0, l.registry.Count())
}

func TestWSRelayUnknownTarget(t *testing.T) {
	_, url := newRelayServer(t)

	client, err := NewWSDialer(url, clientID).Connect(context.Background(), serverID+1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ended := client.Ended()
		return ended
	}, 2*time.Second, 5*time.Millisecond)
	info, _ := client.Ended()
	assert.Equal(t, EndException, info.Reason)
}

func TestEndInfoFromCloseCode(t *testing.T) {
	for _, r := range []EndReason{EndClientDisconnect, EndServerFull, EndAuthFailed, EndException} {
		code := closeCode(r)
		info := endInfoFromError(&websocket.CloseError{Code: code})
		assert.Equal(t, r, info.Reason)
	}
}
