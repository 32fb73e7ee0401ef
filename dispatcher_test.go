package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []mcp.JSONRPCMessage
	sent chan mcp.JSONRPCMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan mcp.JSONRPCMessage, 16)}
}

func (s *recordingSender) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.sent <- msg
	return nil
}

func (s *recordingSender) next(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for a response")
		return mcp.JSONRPCMessage{}
	}
}

func (s *recordingSender) assertSilent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-s.sent:
		t.Fatalf("unexpected message sent: %+v", msg)
	case <-time.After(wait):
	}
}

func request(id mcp.RequestID, method, params string) mcp.Frame {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Method: method}
	if params != "" {
		msg.Params = json.RawMessage(params)
	}
	return mcp.Frame{Msg: msg, Direction: mcp.DirectionServerInitiated, ReceivedAt: time.Now()}
}

func TestDispatcherResolvesResponses(t *testing.T) {
	pending := mcp.NewPendingTable()
	d := mcp.NewDispatcher(pending, nil, newRecordingSender())

	id := pending.NextID()
	waiter, err := pending.Register(id, "tools/list", time.Second)
	require.NoError(t, err)

	d.Dispatch(context.Background(), mcp.Frame{Msg: mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(`{"tools":[]}`),
	}})

	msg, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(msg.Result))
}

func TestDispatcherDropsMalformedFrames(t *testing.T) {
	sender := newRecordingSender()
	d := mcp.NewDispatcher(mcp.NewPendingTable(), mcp.NewCapabilityRegistry(), sender)

	d.Dispatch(context.Background(), mcp.Frame{Msg: mcp.JSONRPCMessage{JSONRPC: "1.0", ID: mcp.NumberID(1), Method: "ping"}})
	d.Dispatch(context.Background(), mcp.Frame{Msg: mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(2),
		Result:  json.RawMessage(`{}`),
		Error:   &mcp.JSONRPCError{Code: mcp.JSONRPCInternalErrorCode},
	}})
	d.Dispatch(context.Background(), mcp.Frame{Msg: mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(3)}})

	// The dispatcher still works afterwards.
	d.Dispatch(context.Background(), request(mcp.NumberID(4), mcp.MethodPing, ""))
	msg := sender.next(t)
	assert.Equal(t, mcp.NumberID(4), msg.ID)
	assert.Nil(t, msg.Error)
	sender.assertSilent(t, 50*time.Millisecond)
}

func TestDispatcherAnswersUnderOriginalID(t *testing.T) {
	sender := newRecordingSender()
	registry := mcp.NewCapabilityRegistry()
	registry.SetRootsListHandler(mcp.RootsListHandlerFunc(func(context.Context) (mcp.RootList, error) {
		return mcp.RootList{Roots: []mcp.Root{{URI: "file:///tmp", Name: "tmp"}}}, nil
	}))
	d := mcp.NewDispatcher(mcp.NewPendingTable(), registry, sender)

	for _, id := range []mcp.RequestID{mcp.StringID("srv-7"), mcp.NumberID(7), mcp.StringID("")} {
		d.Dispatch(context.Background(), request(id, mcp.MethodRootsList, ""))
		msg := sender.next(t)
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, id.IsNumber(), msg.ID.IsNumber())
		assert.JSONEq(t, `{"roots":[{"uri":"file:///tmp","name":"tmp"}]}`, string(msg.Result))
	}
}

func TestDispatcherErrorCodes(t *testing.T) {
	sender := newRecordingSender()
	d := mcp.NewDispatcher(mcp.NewPendingTable(), mcp.NewCapabilityRegistry(), sender)

	d.Dispatch(context.Background(), request(mcp.NumberID(1), "tools/call", ""))
	msg := sender.next(t)
	require.NotNil(t, msg.Error)
	assert.Equal(t, mcp.JSONRPCMethodNotFoundCode, msg.Error.Code)

	d.Dispatch(context.Background(), request(mcp.NumberID(2), mcp.MethodSamplingCreateMessage, `{"messages":[]}`))
	msg = sender.next(t)
	require.NotNil(t, msg.Error)
	assert.Equal(t, mcp.JSONRPCCapabilityNotSupportedCode, msg.Error.Code)
	assert.Equal(t, mcp.NumberID(2), msg.ID)
}

func TestDispatcherRequestHandler(t *testing.T) {
	sender := newRecordingSender()
	handler := mcp.RequestHandlerFunc(func(_ context.Context, msg mcp.JSONRPCMessage) (any, error) {
		return map[string]string{"method": msg.Method}, nil
	})
	d := mcp.NewDispatcher(mcp.NewPendingTable(), nil, sender, mcp.WithRequestHandler(handler))

	d.Dispatch(context.Background(), mcp.Frame{
		Msg:       mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(1), Method: "tools/list"},
		Direction: mcp.DirectionClientInitiated,
	})
	msg := sender.next(t)
	assert.JSONEq(t, `{"method":"tools/list"}`, string(msg.Result))

	// A client-initiated ping never reaches the handler.
	d.Dispatch(context.Background(), mcp.Frame{
		Msg:       mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(2), Method: mcp.MethodPing},
		Direction: mcp.DirectionClientInitiated,
	})
	msg = sender.next(t)
	assert.JSONEq(t, `{}`, string(msg.Result))
}

func TestDispatcherDedup(t *testing.T) {
	sender := newRecordingSender()
	dedup := mcp.NewDedupCache(16, time.Minute)
	d := mcp.NewDispatcher(mcp.NewPendingTable(), mcp.NewCapabilityRegistry(), sender, mcp.WithDispatcherDedup(dedup))

	d.Dispatch(context.Background(), request(mcp.StringID("dup"), mcp.MethodPing, ""))
	sender.next(t)

	d.Dispatch(context.Background(), request(mcp.StringID("dup"), mcp.MethodPing, ""))
	sender.assertSilent(t, 50*time.Millisecond)
}

func TestDispatcherCancelledRequestIsNotAnswered(t *testing.T) {
	sender := newRecordingSender()
	registry := mcp.NewCapabilityRegistry()
	started := make(chan struct{})
	handlerErr := make(chan error, 1)
	registry.SetSamplingHandler(mcp.SamplingHandlerFunc(
		func(ctx context.Context, _ mcp.SamplingParams) (mcp.SamplingResult, error) {
			close(started)
			<-ctx.Done()
			handlerErr <- ctx.Err()
			return mcp.SamplingResult{}, ctx.Err()
		}))

	var notified []string
	notifications := mcp.NotificationHandlerFunc(func(_ context.Context, msg mcp.JSONRPCMessage) {
		notified = append(notified, msg.Method)
	})
	d := mcp.NewDispatcher(mcp.NewPendingTable(), registry, sender, mcp.WithNotificationHandler(notifications))

	d.Dispatch(context.Background(), request(mcp.NumberID(9), mcp.MethodSamplingCreateMessage, `{"messages":[]}`))
	<-started
	assert.Equal(t, 1, d.InFlight())

	d.Dispatch(context.Background(), mcp.Frame{Msg: mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`{"requestId":9,"reason":"no longer needed"}`),
	}})

	select {
	case err := <-handlerErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled")
	}
	d.Wait()
	assert.Zero(t, d.InFlight())
	sender.assertSilent(t, 50*time.Millisecond)
	assert.Equal(t, []string{"notifications/cancelled"}, notified)
}

func TestDispatcherCancelAll(t *testing.T) {
	sender := newRecordingSender()
	handler := mcp.RequestHandlerFunc(func(ctx context.Context, _ mcp.JSONRPCMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := mcp.NewDispatcher(mcp.NewPendingTable(), nil, sender, mcp.WithRequestHandler(handler))

	for i := range 3 {
		d.Dispatch(context.Background(), mcp.Frame{
			Msg:       mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(int64(i + 1)), Method: "slow"},
			Direction: mcp.DirectionClientInitiated,
		})
	}
	require.Eventually(t, func() bool { return d.InFlight() == 3 }, time.Second, 5*time.Millisecond)

	d.CancelAll()
	d.Wait()
	assert.Zero(t, d.InFlight())
}

func TestDispatcherHandlerTimeout(t *testing.T) {
	sender := newRecordingSender()
	registry := mcp.NewCapabilityRegistry(mcp.WithCapabilityTimeout(mcp.CapabilitySampling, 30*time.Millisecond))
	registry.SetSamplingHandler(mcp.SamplingHandlerFunc(
		func(ctx context.Context, _ mcp.SamplingParams) (mcp.SamplingResult, error) {
			<-ctx.Done()
			return mcp.SamplingResult{}, ctx.Err()
		}))
	d := mcp.NewDispatcher(mcp.NewPendingTable(), registry, sender)

	d.Dispatch(context.Background(), request(mcp.StringID("slow-1"), mcp.MethodSamplingCreateMessage, `{"messages":[]}`))
	msg := sender.next(t)
	assert.Equal(t, mcp.StringID("slow-1"), msg.ID)
	assert.Nil(t, msg.Result)
	require.NotNil(t, msg.Error)
	assert.Equal(t, mcp.JSONRPCRequestTimeoutCode, msg.Error.Code)
	d.Wait()
}

func TestDispatcherElicitationCapacity(t *testing.T) {
	sender := newRecordingSender()
	registry := mcp.NewCapabilityRegistry(mcp.WithMaxConcurrentElicitations(1))
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	registry.SetElicitationHandler(mcp.ElicitationHandlerFunc(
		func(context.Context, mcp.ElicitationParams) (mcp.ElicitationResult, error) {
			started <- struct{}{}
			<-release
			return mcp.ElicitationResult{Action: mcp.ElicitationActionDecline}, nil
		}))
	d := mcp.NewDispatcher(mcp.NewPendingTable(), registry, sender)

	d.Dispatch(context.Background(), request(mcp.NumberID(1), mcp.MethodElicitationCreate, `{"message":"first"}`))
	<-started

	d.Dispatch(context.Background(), request(mcp.NumberID(2), mcp.MethodElicitationCreate, `{"message":"second"}`))
	msg := sender.next(t)
	assert.Equal(t, mcp.NumberID(2), msg.ID)
	require.NotNil(t, msg.Error)
	assert.Equal(t, mcp.JSONRPCCapacityExceededCode, msg.Error.Code)

	close(release)
	msg = sender.next(t)
	assert.Equal(t, mcp.NumberID(1), msg.ID)
	assert.JSONEq(t, `{"action":"decline"}`, string(msg.Result))
	d.Wait()
}

func TestDispatcherServerInitiatedPing(t *testing.T) {
	sender := newRecordingSender()
	registry := mcp.NewCapabilityRegistry()
	var pings int
	registry.SetPingHandler(mcp.PingHandlerFunc(func(context.Context) error {
		pings++
		if pings > 1 {
			return errors.New("draining")
		}
		return nil
	}))
	d := mcp.NewDispatcher(mcp.NewPendingTable(), registry, sender)

	d.Dispatch(context.Background(), request(mcp.StringID("ping-1"), mcp.MethodPing, ""))
	msg := sender.next(t)
	assert.Equal(t, mcp.StringID("ping-1"), msg.ID)
	assert.Nil(t, msg.Error)
	d.Wait()

	d.Dispatch(context.Background(), request(mcp.StringID("ping-2"), mcp.MethodPing, ""))
	msg = sender.next(t)
	assert.Equal(t, mcp.StringID("ping-2"), msg.ID)
	require.NotNil(t, msg.Error)
	assert.Equal(t, mcp.JSONRPCInternalErrorCode, msg.Error.Code)
	assert.Contains(t, msg.Error.Data["error"], "draining")
	d.Wait()

	assert.Equal(t, 2, pings)
}
