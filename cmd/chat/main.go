// Command chat is a terminal client for the chat endpoint. Conversations are
// kept in a local SQLite file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"finsight-agent/internal/client"
	"finsight-agent/internal/conversation"
	"finsight-agent/internal/infra/logger"
	"finsight-agent/internal/repository"
)

const help = `commands:
  /new            start a new conversation
  /list           list conversations, newest first
  /switch <id>    make a conversation active
  /delete <id>    delete a conversation
  /history        show the active conversation
  /drop <msg-id>  delete one message from the active conversation
  /regen          regenerate the last answer
  /quit           exit
Ctrl-C while an answer streams cancels it.`

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080/api/chat", "chat endpoint URL")
	dbPath := flag.String("db", "finsight-chats.db", "SQLite file for conversations")
	record := flag.Bool("record", false, "send the conversation id so the server records turns")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log := logger.New(*logLevel, "text", os.Stderr)
	if err := run(*endpoint, *dbPath, *record, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(endpoint, dbPath string, record bool, in io.Reader, out io.Writer, log *slog.Logger) error {
	ctx := context.Background()

	backend, err := repository.NewSQLiteBackend(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	manager, err := conversation.NewManager(backend)
	if err != nil {
		return err
	}
	if err := manager.Load(ctx); err != nil {
		return err
	}
	if list := manager.List(); len(list) > 0 {
		_ = manager.Switch(list[0].ID)
	}

	transport, err := client.NewHTTPTransport(endpoint)
	if err != nil {
		return err
	}
	opts := []client.Option{client.WithDeltaHandler(func(chunk string) { fmt.Fprint(out, chunk) })}
	if record {
		opts = append(opts, client.WithServerRecording())
	}
	ctrl, err := client.NewController(manager, transport, opts...)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if !ctrl.Stop() {
				fmt.Fprintln(out, "\nbye")
				os.Exit(0)
			}
		}
	}()

	fmt.Fprintln(out, "Finsight chat. Type /help for commands.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := command(ctx, line, manager, ctrl, out, log)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		report(out, log, ctrl.Submit(ctx, line), manager)
	}
}

func command(ctx context.Context, line string, manager *conversation.Manager, ctrl *client.Controller, out io.Writer, log *slog.Logger) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, help)
	case "/new":
		conv, err := manager.Create(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, "new conversation", conv.ID)
	case "/list":
		active, _ := manager.Active()
		for _, c := range manager.List() {
			marker := " "
			if c.ID == active.ID {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  (%d messages)\n", marker, c.ID, c.Title, len(c.Messages))
		}
	case "/switch":
		if err := manager.Switch(arg); err != nil {
			return false, err
		}
		printHistory(out, manager)
	case "/delete":
		return false, manager.Delete(ctx, arg)
	case "/history":
		printHistory(out, manager)
	case "/drop":
		return false, ctrl.DeleteMessage(ctx, arg)
	case "/regen":
		report(out, log, ctrl.Regenerate(ctx), manager)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

// report prints the outcome of a turn. Failure notices are already part of
// the conversation, so they are printed from there.
func report(out io.Writer, log *slog.Logger, err error, manager *conversation.Manager) {
	switch {
	case err == nil, errors.Is(err, client.ErrStreamAborted):
	case errors.Is(err, client.ErrBusy), errors.Is(err, client.ErrEmptyInput), errors.Is(err, client.ErrNothingToRegenerate):
		fmt.Fprintln(out, "error:", err)
		return
	default:
		log.Error("chat turn failed", "err", err)
	}
	fmt.Fprintln(out)
	if errors.Is(err, client.ErrStreamAborted) {
		fmt.Fprintln(out, "[stopped]")
		return
	}
	conv, ok := manager.Active()
	if !ok || len(conv.Messages) == 0 {
		return
	}
	if last := conv.Messages[len(conv.Messages)-1]; err != nil || last.Content == client.RateLimitNotice {
		fmt.Fprintln(out, last.Content)
	}
}

func printHistory(out io.Writer, manager *conversation.Manager) {
	conv, ok := manager.Active()
	if !ok {
		fmt.Fprintln(out, "no active conversation")
		return
	}
	fmt.Fprintf(out, "== %s (%s)\n", conv.Title, conv.ID)
	for _, m := range conv.Messages {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.ID, m.Role, m.Content)
	}
}
