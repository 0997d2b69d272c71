package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serverID Identity = 90001
	clientID Identity = 10001
)

func mustPoll(t *testing.T, l Listener, kind StatusKind) StatusEvent {
	t.Helper()
	ev, ok := l.PollEvent()
	require.True(t, ok, "expected %s event", kind)
	require.Equal(t, kind, ev.Kind)
	return ev
}

func TestMemoryConnectAcceptExchange(t *testing.T) {
	hub := NewMemoryHub()
	l, err := hub.Listen(serverID)
	require.NoError(t, err)

	client, err := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, serverID, client.Remote())

	ev := mustPoll(t, l, StatusConnecting)
	assert.Equal(t, clientID, ev.Remote)
	require.NoError(t, ev.Request.Accept())
	assert.ErrorIs(t, ev.Request.Accept(), ErrInvalidState)

	ev = mustPoll(t, l, StatusConnected)
	server := ev.Conn
	require.NotNil(t, server)

	require.NoError(t, client.Send([]byte("ping"), SendReliable))
	msgs := server.Receive(10)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ping"), msgs[0].Data)
	assert.Equal(t, clientID, msgs[0].Sender)

	require.NoError(t, server.Send([]byte("pong"), SendReliable))
	msgs = client.Receive(10)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("pong"), msgs[0].Data)

	_, ok := l.PollEvent()
	assert.False(t, ok)
}

func TestMemoryRejectEndsClientWithReason(t *testing.T) {
	hub := NewMemoryHub()
	l, err := hub.Listen(serverID)
	require.NoError(t, err)

	client, err := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, err)

	ev := mustPoll(t, l, StatusConnecting)
	ev.Request.Reject(EndServerFull, "Server full!")

	info, ended := client.Ended()
	require.True(t, ended)
	assert.Equal(t, EndServerFull, info.Reason)
	assert.ErrorIs(t, client.Send([]byte{1}, SendReliable), ErrNoConnection)

	_, ok := l.PollEvent()
	assert.False(t, ok, "rejected connections never report disconnected")
}

func TestMemoryClientCloseReportsDisconnected(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())
	server := mustPoll(t, l, StatusConnected).Conn

	client.Close(EndClientDisconnect, "bye", false)

	ev := mustPoll(t, l, StatusDisconnected)
	assert.Equal(t, clientID, ev.Remote)
	assert.Equal(t, server, ev.Conn)
	assert.Equal(t, EndClientDisconnect, ev.End.Reason)
}

func TestMemoryLingerKeepsDeliveredMessages(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())
	server := mustPoll(t, l, StatusConnected).Conn

	require.NoError(t, server.Send([]byte("last words"), SendReliable))
	server.Close(EndAuthFailed, "", true)

	msgs := client.Receive(10)
	require.Len(t, msgs, 1)
	info, ended := client.Ended()
	require.True(t, ended)
	assert.Equal(t, EndAuthFailed, info.Reason)

	_, ok := l.PollEvent()
	assert.False(t, ok, "local close does not report disconnected")
}

func TestMemoryCloseWithoutLingerDropsQueue(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())
	server := mustPoll(t, l, StatusConnected).Conn

	require.NoError(t, server.Send([]byte("dropped"), SendReliable))
	server.Close(EndClientKicked, "kicked", false)

	assert.Empty(t, client.Receive(10))
}

func TestMemoryInboxLimit(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	mustPoll(t, l, StatusConnecting)

	for i := 0; i < MemoryInboxLimit; i++ {
		require.NoError(t, client.Send([]byte{1}, SendReliable))
	}
	assert.ErrorIs(t, client.Send([]byte{1}, SendReliable), ErrLimitExceeded)
	assert.ErrorIs(t, client.Send(make([]byte, MaxMessageSize+1), SendReliable), ErrInvalidParameter)
}

func TestMemoryListenerClose(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())

	require.NoError(t, l.Close())
	info, ended := client.Ended()
	require.True(t, ended)
	assert.Equal(t, EndServerClosed, info.Reason)

	_, err := hub.Dialer(clientID).Connect(context.Background(), serverID)
	assert.Error(t, err)

	_, err = hub.Listen(serverID)
	assert.NoError(t, err)
}

func TestMemoryDuplicateListener(t *testing.T) {
	hub := NewMemoryHub()
	_, err := hub.Listen(serverID)
	require.NoError(t, err)
	_, err = hub.Listen(serverID)
	assert.ErrorIs(t, err, ErrIdentityInUse)
}

func TestPollGroupRoundRobin(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	group := NewPollGroup()

	var clients []Connection
	for i := Identity(1); i <= 3; i++ {
		c, err := hub.Dialer(i).Connect(context.Background(), serverID)
		require.NoError(t, err)
		require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())
		group.Attach(mustPoll(t, l, StatusConnected).Conn)
		clients = append(clients, c)
	}
	assert.Equal(t, 3, group.Len())

	for i := 0; i < 10; i++ {
		require.NoError(t, clients[0].Send([]byte{0}, SendReliable))
	}
	require.NoError(t, clients[1].Send([]byte{1}, SendReliable))
	require.NoError(t, clients[2].Send([]byte{2}, SendReliable))

	batch := group.Receive(4)
	require.Len(t, batch, 4)
	senders := map[Identity]int{}
	for _, m := range batch {
		senders[m.Sender]++
	}
	assert.Equal(t, 1, senders[2])
	assert.Equal(t, 1, senders[3])

	rest := group.Receive(100)
	assert.Len(t, rest, 8)
	assert.Empty(t, group.Receive(100))
}

func TestPollGroupDetachAndCloseAll(t *testing.T) {
	hub := NewMemoryHub()
	l, _ := hub.Listen(serverID)
	group := NewPollGroup()

	client, _ := hub.Dialer(clientID).Connect(context.Background(), serverID)
	require.NoError(t, mustPoll(t, l, StatusConnecting).Request.Accept())
	server := mustPoll(t, l, StatusConnected).Conn

	group.Attach(server)
	group.Attach(server)
	assert.Equal(t, 1, group.Len())

	group.Detach(server)
	assert.Zero(t, group.Len())

	group.Attach(server)
	group.CloseAll(EndServerClosed, "shutdown")
	assert.Zero(t, group.Len())

	info, ended := client.Ended()
	require.True(t, ended)
	assert.Equal(t, EndServerClosed, info.Reason)
}

func TestSendErrorKind(t *testing.T) {
	assert.Equal(t, "ok", SendErrorKind(nil))
	assert.Equal(t, "limit_exceeded", SendErrorKind(ErrLimitExceeded))
	assert.Equal(t, "no_connection", SendErrorKind(ErrNoConnection))
	assert.Equal(t, "other", SendErrorKind(&OtherError{Code: 7}))
}

func TestEndReasonCloseCodes(t *testing.T) {
	for _, r := range []EndReason{EndGeneric, EndServerFull, EndClientKicked, EndAuthFailed, EndException} {
		code := closeCode(r)
		assert.GreaterOrEqual(t, code, 4000)
		assert.LessOrEqual(t, code, 4999)
	}
	assert.Equal(t, 4004, closeCode(EndServerFull))
	assert.Equal(t, 4999, closeCode(EndException))
}
