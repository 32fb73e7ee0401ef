package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

const (
	methodGreet     = "demo/greet"
	methodSummarize = "demo/summarize"
	methodRoots     = "demo/roots"
)

type toolResult struct {
	Text string `json:"text"`
}

type greeting struct {
	Name     string `json:"name" jsonschema:"title=Name,description=How should we call you?"`
	Language string `json:"language,omitempty" jsonschema:"enum=en,enum=id,default=en"`
}

func newServer(transport mcp.ServerTransport, logger *slog.Logger) *mcp.Server {
	return mcp.NewServer(mcp.Info{Name: "demo-server", Version: "1.0"}, transport,
		mcp.WithInstructions("Try the greet, summarize and roots commands."),
		mcp.WithServerPingInterval(10*time.Second),
		mcp.WithMethodHandler(methodGreet, greet),
		mcp.WithMethodHandler(methodSummarize, summarize),
		mcp.WithMethodHandler(methodRoots, roots),
		mcp.WithServerLogger(logger))
}

func greet(ctx context.Context, sess *mcp.ServerSession, _ json.RawMessage) (any, error) {
	params, err := mcp.NewElicitationParams[greeting]("Tell the server who you are")
	if err != nil {
		return nil, err
	}
	res, err := sess.Elicit(ctx, params)
	if err != nil {
		return nil, err
	}
	if res.Action != mcp.ElicitationActionAccept {
		return toolResult{Text: fmt.Sprintf("Maybe next time (%s).", res.Action)}, nil
	}

	name, _ := res.Content["name"].(string)
	if lang, _ := res.Content["language"].(string); lang == "id" {
		return toolResult{Text: fmt.Sprintf("Halo, %s!", name)}, nil
	}
	return toolResult{Text: fmt.Sprintf("Hello, %s!", name)}, nil
}

func summarize(ctx context.Context, sess *mcp.ServerSession, _ json.RawMessage) (any, error) {
	res, err := sess.CreateMessage(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.SamplingContent{
					Type: mcp.ContentTypeText,
					Text: "Summarize the Model Context Protocol in one sentence.",
				},
			},
		},
		MaxTokens: 100,
	})
	if err != nil {
		return nil, err
	}
	return toolResult{Text: fmt.Sprintf("%s says: %s", res.Model, res.Content.Text)}, nil
}

func roots(ctx context.Context, sess *mcp.ServerSession, _ json.RawMessage) (any, error) {
	list, err := sess.ListRoots(ctx)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(list.Roots))
	for _, r := range list.Roots {
		uris = append(uris, r.URI)
	}
	return toolResult{Text: fmt.Sprintf("%d roots: %s", len(uris), strings.Join(uris, ", "))}, nil
}
