// Command everything serves one MCP server over every network transport at once (WebSocket,
// SSE and a raw TCP stream) and drives it with a resilient client per transport.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	mcp "github.com/MegaGrindStone/resilient-mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const port = "8080"

type echoParams struct {
	Text string `json:"text"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()
	metrics := mcp.NewMetrics(reg)

	ws := mcp.NewWebSocketServer(mcp.WithWebSocketServerLogger(logger))
	sse := mcp.NewSSEServer(baseURL()+"/message", mcp.WithSSEServerLogger(logger))
	stream, err := mcp.NewStreamListener("tcp", "127.0.0.1:0", mcp.WithStreamListenerLogger(logger))
	if err != nil {
		logger.Error("failed to listen", slog.String("err", err.Error()))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
		}
	}()

	servers := []*mcp.Server{
		newServer(ws, metrics, logger),
		newServer(sse, metrics, logger),
		newServer(stream, metrics, logger),
	}
	for _, srv := range servers {
		go srv.Serve()
	}

	// Wait for the server to start
	time.Sleep(time.Second)

	transports := map[string]mcp.ClientTransport{
		"websocket": mcp.NewWebSocketClient("ws://localhost:"+port+"/ws", mcp.WithWebSocketClientLogger(logger)),
		"sse":       mcp.NewSSEClient(baseURL()+"/sse", http.DefaultClient, mcp.WithSSEClientLogger(logger)),
		"stream":    mcp.NewStreamTransport("tcp", stream.Addr().String(), mcp.WithStreamLogger(logger)),
	}

	var wg sync.WaitGroup
	for name, transport := range transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := exercise(name, transport, metrics, logger); err != nil {
				fmt.Printf("%s: %v\n", name, err)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v\n", err)
		}
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		fmt.Printf("HTTP server forced to shutdown: %v\n", err)
		return
	}
	fmt.Println("Server exited gracefully")
}

func newServer(transport mcp.ServerTransport, metrics *mcp.Metrics, logger *slog.Logger) *mcp.Server {
	return mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"}, transport,
		mcp.WithMethodHandler("demo/echo", func(_ context.Context, _ *mcp.ServerSession, raw json.RawMessage) (any, error) {
			var params echoParams
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, err
			}
			return params, nil
		}),
		mcp.WithMethodHandler("demo/roots", func(ctx context.Context, sess *mcp.ServerSession, _ json.RawMessage) (any, error) {
			return sess.ListRoots(ctx)
		}),
		mcp.WithServerDedup(1024, time.Minute),
		mcp.WithServerMetrics(metrics),
		mcp.WithServerLogger(logger))
}

func exercise(name string, transport mcp.ClientTransport, metrics *mcp.Metrics, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resilient := mcp.NewResilientTransport(transport,
		mcp.WithHealthCheck(5*time.Second, time.Second, 3),
		mcp.WithResilientMetrics(metrics),
		mcp.WithResilientLogger(logger))
	cli := mcp.NewClient(mcp.Info{Name: name + "-client", Version: "1.0"}, resilient,
		mcp.WithRootsListHandler(mcp.RootsListHandlerFunc(func(context.Context) (mcp.RootList, error) {
			return mcp.RootList{Roots: []mcp.Root{{URI: "file:///tmp", Name: "tmp"}}}, nil
		})),
		mcp.WithClientMetrics(metrics),
		mcp.WithClientLogger(logger))
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = cli.Disconnect(context.Background()) }()

	var echoed echoParams
	if err := cli.Call(ctx, "demo/echo", echoParams{Text: "hello over " + name}, &echoed); err != nil {
		return err
	}
	var roots mcp.RootList
	if err := cli.Call(ctx, "demo/roots", nil, &roots); err != nil {
		return err
	}
	fmt.Printf("%s: echoed %q, %d roots, breaker %s\n", name, echoed.Text, len(roots.Roots), resilient.Breaker().State())
	return nil
}

func baseURL() string {
	return fmt.Sprintf("http://localhost:%s", port)
}
