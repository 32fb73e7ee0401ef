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

func TestCapabilityRegistryDispatch(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	registry.SetSamplingHandler(mcp.SamplingHandlerFunc(
		func(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
			return mcp.SamplingResult{
				Role:    mcp.RoleAssistant,
				Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "echo " + params.Messages[0].Content.Text},
				Model:   "test-model",
			}, nil
		}))

	params := json.RawMessage(`{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":10}`)
	res, err := registry.Dispatch(context.Background(), mcp.CapabilitySampling, params, time.Time{})
	require.NoError(t, err)

	result, ok := res.(mcp.SamplingResult)
	require.True(t, ok)
	assert.Equal(t, "echo hi", result.Content.Text)
	assert.Equal(t, "test-model", result.Model)
}

func TestCapabilityRegistryNotConfigured(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()

	for _, kind := range []mcp.CapabilityKind{mcp.CapabilitySampling, mcp.CapabilityElicitation, mcp.CapabilityRootsList} {
		_, err := registry.Dispatch(context.Background(), kind, nil, time.Time{})
		require.ErrorIs(t, err, mcp.ErrHandlerNotConfigured, kind.String())
	}
}

func TestCapabilityRegistryDefaultPing(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	assert.True(t, registry.Has(mcp.CapabilityPing))

	_, err := registry.Dispatch(context.Background(), mcp.CapabilityPing, nil, time.Time{})
	require.NoError(t, err)

	registry.RemoveHandler(mcp.CapabilityPing)
	_, err = registry.Dispatch(context.Background(), mcp.CapabilityPing, nil, time.Time{})
	require.ErrorIs(t, err, mcp.ErrHandlerNotConfigured)
}

func TestCapabilityRegistryInvalidParams(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	registry.SetElicitationHandler(mcp.ElicitationHandlerFunc(
		func(context.Context, mcp.ElicitationParams) (mcp.ElicitationResult, error) {
			return mcp.ElicitationResult{Action: mcp.ElicitationActionAccept}, nil
		}))

	_, err := registry.Dispatch(context.Background(), mcp.CapabilityElicitation, json.RawMessage(`{"message":42}`), time.Time{})
	var jErr mcp.JSONRPCError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, mcp.JSONRPCInvalidParamsCode, jErr.Code)
}

func TestCapabilityRegistryHandlerTimeout(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	registry.SetRootsListHandler(mcp.RootsListHandlerFunc(func(ctx context.Context) (mcp.RootList, error) {
		<-ctx.Done()
		return mcp.RootList{}, ctx.Err()
	}))

	start := time.Now()
	_, err := registry.Dispatch(context.Background(), mcp.CapabilityRootsList, nil, time.Now().Add(30*time.Millisecond))
	require.ErrorIs(t, err, mcp.ErrHandlerTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCapabilityRegistryElicitationCapacity(t *testing.T) {
	registry := mcp.NewCapabilityRegistry(mcp.WithMaxConcurrentElicitations(2))

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	registry.SetElicitationHandler(mcp.ElicitationHandlerFunc(
		func(context.Context, mcp.ElicitationParams) (mcp.ElicitationResult, error) {
			started <- struct{}{}
			<-release
			return mcp.ElicitationResult{Action: mcp.ElicitationActionDecline}, nil
		}))

	params := json.RawMessage(`{"message":"name?"}`)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Dispatch(context.Background(), mcp.CapabilityElicitation, params, time.Time{})
			errs <- err
		}()
	}
	<-started
	<-started

	_, err := registry.Dispatch(context.Background(), mcp.CapabilityElicitation, params, time.Time{})
	require.ErrorIs(t, err, mcp.ErrCapacityExceeded)

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Slots are free again.
	res, err := registry.Dispatch(context.Background(), mcp.CapabilityElicitation, params, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, mcp.ElicitationActionDecline, res.(mcp.ElicitationResult).Action)
}

func TestCapabilityRegistryRecoversPanics(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	registry.SetSamplingHandler(mcp.SamplingHandlerFunc(
		func(context.Context, mcp.SamplingParams) (mcp.SamplingResult, error) {
			panic("model exploded")
		}))

	_, err := registry.Dispatch(context.Background(), mcp.CapabilitySampling, nil, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestCapabilityRegistryHandlerError(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	errDenied := errors.New("denied")
	registry.SetRootsListHandler(mcp.RootsListHandlerFunc(func(context.Context) (mcp.RootList, error) {
		return mcp.RootList{}, errDenied
	}))

	_, err := registry.Dispatch(context.Background(), mcp.CapabilityRootsList, nil, time.Time{})
	require.ErrorIs(t, err, errDenied)
}

func TestCapabilityRegistryCapabilities(t *testing.T) {
	registry := mcp.NewCapabilityRegistry()
	assert.Equal(t, mcp.ClientCapabilities{}, registry.Capabilities())

	require.NoError(t, registry.SetHandler(mcp.CapabilityRootsList, mcp.RootsListHandlerFunc(
		func(context.Context) (mcp.RootList, error) { return mcp.RootList{}, nil })))
	require.Error(t, registry.SetHandler(mcp.CapabilitySampling, "not a handler"))

	caps := registry.Capabilities()
	require.NotNil(t, caps.Roots)
	assert.True(t, caps.Roots.ListChanged)
	assert.Nil(t, caps.Sampling)
	assert.Nil(t, caps.Elicitation)

	registry.RemoveHandler(mcp.CapabilityRootsList)
	assert.False(t, registry.Has(mcp.CapabilityRootsList))
}

func TestKindForMethod(t *testing.T) {
	for _, kind := range []mcp.CapabilityKind{
		mcp.CapabilitySampling,
		mcp.CapabilityElicitation,
		mcp.CapabilityRootsList,
		mcp.CapabilityPing,
	} {
		got, ok := mcp.KindForMethod(kind.Method())
		require.True(t, ok)
		assert.Equal(t, kind, got)
	}

	_, ok := mcp.KindForMethod("tools/call")
	assert.False(t, ok)
}
