package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

// stdioPair connects two StdIO transports with pipes.
func stdioPair() (*mcp.StdIO, *mcp.StdIO) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	return mcp.NewStdIO(serverReader, serverWriter), mcp.NewStdIO(clientReader, clientWriter)
}

func firstSession(t *testing.T, transport mcp.ServerTransport) mcp.Session {
	t.Helper()
	for sess := range transport.Sessions() {
		return sess
	}
	t.Fatal("transport yielded no session")
	return nil
}

// collect reads n messages from sess in the background.
func collect(sess mcp.Session, n int) <-chan []mcp.JSONRPCMessage {
	out := make(chan []mcp.JSONRPCMessage, 1)
	go func() {
		var msgs []mcp.JSONRPCMessage
		for msg := range sess.Messages() {
			msgs = append(msgs, msg)
			if len(msgs) == n {
				break
			}
		}
		out <- msgs
	}()
	return out
}

func receive(t *testing.T, ch <-chan []mcp.JSONRPCMessage) []mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msgs := <-ch:
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for messages")
		return nil
	}
}

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	serverTransport, clientTransport := stdioPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSess, err := clientTransport.StartSession(ctx)
	require.NoError(t, err)
	serverSess := firstSession(t, serverTransport)
	defer clientSess.Stop()
	defer serverSess.Stop()

	toServer := collect(serverSess, 2)
	toClient := collect(clientSess, 1)

	require.NoError(t, clientSess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.StringID("c-1"),
		Method:  "tools/list",
	}))
	require.NoError(t, clientSess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	}))
	require.NoError(t, serverSess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(1),
		Method:  mcp.MethodPing,
	}))

	got := receive(t, toServer)
	require.Len(t, got, 2)
	assert.Equal(t, mcp.StringID("c-1"), got[0].ID)
	assert.True(t, got[1].IsNotification())

	got = receive(t, toClient)
	require.Len(t, got, 1)
	assert.Equal(t, mcp.NumberID(1), got[0].ID)
	assert.True(t, got[0].ID.IsNumber())
}

func TestStdIOConcurrentSends(t *testing.T) {
	serverTransport, clientTransport := stdioPair()
	ctx := context.Background()

	clientSess, err := clientTransport.StartSession(ctx)
	require.NoError(t, err)
	serverSess := firstSession(t, serverTransport)
	defer clientSess.Stop()
	defer serverSess.Stop()

	const n = 50
	received := collect(serverSess, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, clientSess.Send(ctx, mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.NumberID(int64(i + 1)),
				Method:  "echo",
				Params:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			}))
		}()
	}
	wg.Wait()

	got := receive(t, received)
	require.Len(t, got, n)
	ids := make(map[mcp.RequestID]bool)
	for _, msg := range got {
		require.NoError(t, msg.Validate())
		ids[msg.ID] = true
	}
	assert.Len(t, ids, n)
}

func TestStdIOSkipsMalformedLines(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	sess := firstSession(t, transport)
	defer sess.Stop()

	received := collect(sess, 1)
	go func() {
		_, _ = writer.Write([]byte("not json\n\n"))
		_, _ = writer.Write([]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}` + "\n"))
	}()

	got := receive(t, received)
	require.Len(t, got, 1)
	assert.Equal(t, mcp.NumberID(3), got[0].ID)
}

func TestStdIOStop(t *testing.T) {
	_, clientTransport := stdioPair()
	ctx := context.Background()

	clientSess, err := clientTransport.StartSession(ctx)
	require.NoError(t, err)

	// The server side never reads, so this write blocks until the session stops.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- clientSess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "stuck"})
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		clientSess.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a pending write")
	}
	require.Error(t, <-sendErr)

	require.ErrorIs(t, clientSess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "late"}), mcp.ErrSessionClosed)

	// The streams cannot be reopened.
	_, err = clientTransport.StartSession(ctx)
	var tErr *mcp.TransportError
	require.ErrorAs(t, err, &tErr)
	assert.False(t, tErr.Retryable)
	assert.True(t, errors.Is(err, mcp.ErrSessionClosed))
}
