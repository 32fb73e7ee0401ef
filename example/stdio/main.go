// Command stdio runs a server and a client in one process, connected through pipes the same way
// a host and a subprocess are connected through stdin and stdout. The server calls back into the
// client for elicitation, sampling and roots while it handles the client's requests.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Two pipes make a full-duplex connection.
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	srv := newServer(mcp.NewStdIO(serverReader, serverWriter, mcp.WithStdIOLogger(logger)), logger)
	go srv.Serve()

	input := bufio.NewScanner(os.Stdin)
	cli := newClient(mcp.NewStdIO(clientReader, clientWriter, mcp.WithStdIOLogger(logger)), input, logger)
	if err := cli.Connect(ctx); err != nil {
		fmt.Printf("failed to connect: %v\n", err)
		return
	}
	defer func() {
		dCtx, dCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dCancel()
		_ = cli.Disconnect(dCtx)
		_ = srv.Shutdown(dCtx)
	}()

	fmt.Printf("Connected to %s %s\n", cli.ServerInfo().Name, cli.ServerInfo().Version)

	cmds := []string{methodGreet, methodSummarize, methodRoots, "ping", "exit"}
	for {
		fmt.Println("Choose commands number:")
		for i, cmd := range cmds {
			fmt.Printf("%d. %s\n", i+1, cmd)
		}

		line, err := waitStdIOInput(ctx, input)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			fmt.Println(err)
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(cmds) {
			fmt.Printf("Invalid input: %s\n", line)
			continue
		}

		cmd := cmds[n-1]
		if cmd == "exit" {
			fmt.Println("Exiting...")
			return
		}
		if err := runCommand(ctx, cli, cmd); err != nil {
			fmt.Printf("%s failed: %v\n", cmd, err)
		}
	}
}

func runCommand(ctx context.Context, cli *mcp.Client, cmd string) error {
	if cmd == "ping" {
		start := time.Now()
		if err := cli.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("pong in %s\n", time.Since(start))
		return nil
	}

	var result toolResult
	if err := cli.Call(ctx, cmd, nil, &result); err != nil {
		return err
	}
	fmt.Println(result.Text)
	return nil
}

func waitStdIOInput(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	inputChan := make(chan string, 1)
	errsChan := make(chan error, 1)
	go func() {
		if scanner.Scan() {
			inputChan <- scanner.Text()
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		errsChan <- err
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errsChan:
		return "", err
	case input := <-inputChan:
		return input, nil
	}
}
