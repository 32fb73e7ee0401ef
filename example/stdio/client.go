package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

func newClient(transport mcp.ClientTransport, input *bufio.Scanner, logger *slog.Logger) *mcp.Client {
	return mcp.NewClient(mcp.Info{Name: "demo-client", Version: "1.0"}, transport,
		mcp.WithElicitationHandler(mcp.ElicitationHandlerFunc(
			func(ctx context.Context, params mcp.ElicitationParams) (mcp.ElicitationResult, error) {
				fmt.Printf("%s\nYour name (empty to decline): ", params.Message)
				name, err := waitStdIOInput(ctx, input)
				if err != nil {
					return mcp.ElicitationResult{Action: mcp.ElicitationActionCancel}, nil
				}
				name = strings.TrimSpace(name)
				if name == "" {
					return mcp.ElicitationResult{Action: mcp.ElicitationActionDecline}, nil
				}
				return mcp.ElicitationResult{
					Action:  mcp.ElicitationActionAccept,
					Content: map[string]any{"name": name},
				}, nil
			})),
		mcp.WithSamplingHandler(mcp.SamplingHandlerFunc(
			func(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
				// No model here; answer with the last prompt reversed.
				var prompt string
				if n := len(params.Messages); n > 0 {
					prompt = params.Messages[n-1].Content.Text
				}
				words := strings.Fields(prompt)
				for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
					words[i], words[j] = words[j], words[i]
				}
				return mcp.SamplingResult{
					Role:    mcp.RoleAssistant,
					Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: strings.Join(words, " ")},
					Model:   "echo-reverse",
				}, nil
			})),
		mcp.WithRootsListHandler(mcp.RootsListHandlerFunc(
			func(context.Context) (mcp.RootList, error) {
				wd, err := os.Getwd()
				if err != nil {
					return mcp.RootList{}, err
				}
				return mcp.RootList{Roots: []mcp.Root{{URI: "file://" + wd, Name: "workdir"}}}, nil
			})),
		mcp.WithClientLogger(logger))
}
