// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the interactive lightgpt REPL.
//
// Interactive commands:
//
//	/help              Show available commands
//	/topics            List saved topics
//	/new               Start a new topic
//	/open N            Open topic N from the /topics listing
//	/rename NAME       Rename the current topic
//	/delete            Delete the current topic
//	/history           Show the current transcript
//	/edit N TEXT       Edit message N and resubmit everything after it
//	/regen             Regenerate the last assistant answer
//	/remove N          Remove message N
//	/model [ID]        Show or switch the model
//	/key KEY           Store the API key
//	/quit              Exit
//	Ctrl+C             Cancel the current generation
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/lightgpt/lightgpt/internal/chat"
	"github.com/lightgpt/lightgpt/internal/cloud"
	"github.com/lightgpt/lightgpt/internal/config"
	"github.com/lightgpt/lightgpt/internal/history"
	"github.com/lightgpt/lightgpt/internal/model"
	"github.com/lightgpt/lightgpt/internal/ratelimit"
)

// App wires the engine, store and input loop together for one
// interactive session.
type App struct {
	cfg    *config.Config
	store  history.Store
	engine *chat.Engine
	input  *Input

	// topics caches the last /topics listing so /open N can resolve
	// an index.
	topics []model.Topic

	// printed tracks how much of the accumulated answer has already
	// been written, so full-value callbacks render as deltas.
	printed        int
	summaryPrinted int
}

// Run starts the interactive session and blocks until exit.
func Run(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	app := &App{
		cfg:   cfg,
		store: store,
		input: NewInput(),
	}
	defer app.input.Close()

	app.buildEngine()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			app.engine.Cancel()
		}
	}()

	fmt.Printf("lightgpt (%s) — /help for commands\n", cfg.DefaultModel)
	return app.loop()
}

// openStore selects the persistence backend from config.
func openStore(cfg *config.Config) (history.Store, error) {
	if strings.ToLower(cfg.History.Backend) == "http" {
		return history.NewHTTPStore(cfg.History.ServerURL), nil
	}
	path, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	return history.NewSQLiteStore(path)
}

// buildEngine (re)creates the engine from the current config. Called
// at startup and again after /key changes the credentials.
func (a *App) buildEngine() {
	client := cloud.NewClient(a.cfg.APIKey()).
		WithFormat(a.cfg.StreamFormat()).
		WithReasoning(cloud.ReasoningOptions{
			Effort:  a.cfg.Cloud.ReasoningEffort,
			Summary: a.cfg.Cloud.ReasoningSummary,
		})
	if a.cfg.Cloud.BaseURL != "" {
		client = client.WithBaseURL(a.cfg.Cloud.BaseURL)
	}
	client.SetModel(a.cfg.DefaultModel)

	limiter := ratelimit.New(a.cfg.RateLimit.MaxPerWindow, a.cfg.RateLimit.Window())

	engine := chat.NewEngine(client, a.store, limiter)
	engine.SetCallbacks(chat.Callbacks{
		OnText: func(_, accumulated string) {
			fmt.Print(accumulated[a.printed:])
			a.printed = len(accumulated)
		},
		OnSummary: func(_, accumulated string) {
			fmt.Fprint(os.Stderr, accumulated[a.summaryPrinted:])
			a.summaryPrinted = len(accumulated)
		},
		OnComplete: func(_ string, _ *model.Message) {
			fmt.Println()
		},
		OnError: func(_ string, err error) {
			var perr *chat.PersistenceError
			if errors.As(err, &perr) {
				fmt.Fprintf(os.Stderr, "\n[warning] %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "\n[error] %v\n", err)
		},
		OnTopicRenamed: func(_, name string) {
			fmt.Fprintf(os.Stderr, "[topic: %s]\n", name)
		},
	})
	a.engine = engine
}

// =============================================================================
// REPL LOOP
// =============================================================================

func (a *App) loop() error {
	ctx := context.Background()

	for {
		input, err := a.input.ReadLine("> ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			// EOF exits cleanly.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := a.command(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		a.submit(ctx, input)
	}
}

// submit sends a prompt for the active topic, creating one on demand.
func (a *App) submit(ctx context.Context, prompt string) {
	if a.engine.ActiveTopic() == nil {
		if _, err := a.engine.NewTopic(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			return
		}
	}

	a.printed = 0
	a.summaryPrinted = 0

	err := a.engine.Submit(ctx, prompt)
	if errors.Is(err, chat.ErrBusy) {
		fmt.Fprintln(os.Stderr, "[error] a response is already streaming")
		return
	}
	var aerr *chat.AdmissionError
	if errors.As(err, &aerr) && aerr.KeyRequired {
		fmt.Fprintln(os.Stderr, "Set an API key with /key <your-key>")
	}
	// Other failures were already surfaced through OnError.
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (a *App) command(ctx context.Context, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/help", "/h":
		printHelp()
	case "/quit", "/q", "/exit":
		return true, nil
	case "/topics":
		err = a.cmdTopics(ctx)
	case "/new":
		err = a.cmdNew(ctx)
	case "/open":
		err = a.cmdOpen(ctx, args)
	case "/rename":
		err = a.cmdRename(ctx, args)
	case "/delete":
		err = a.cmdDelete(ctx)
	case "/history":
		a.cmdHistory()
	case "/edit":
		err = a.cmdEdit(ctx, args)
	case "/regen":
		err = a.cmdRegen(ctx)
	case "/remove":
		err = a.cmdRemove(ctx, args)
	case "/model":
		a.cmdModel(args)
	case "/key":
		err = a.cmdKey(args)
	default:
		err = fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, err
}

func printHelp() {
	fmt.Print(`Commands:
  /topics            List saved topics
  /new               Start a new topic
  /open N            Open topic N
  /rename NAME       Rename the current topic
  /delete            Delete the current topic
  /history           Show the current transcript
  /edit N TEXT       Edit message N and resubmit
  /regen             Regenerate the last answer
  /remove N          Remove message N
  /model [ID]        Show or switch the model
  /key KEY           Store the API key
  /quit              Exit
`)
}

func (a *App) cmdTopics(ctx context.Context) error {
	topics, err := a.engine.Topics(ctx)
	if err != nil {
		return err
	}
	a.topics = topics
	if len(topics) == 0 {
		fmt.Println("no topics yet")
		return nil
	}
	for i, t := range topics {
		fmt.Printf("%3d  %s\n", i+1, t.Name)
	}
	return nil
}

func (a *App) cmdNew(ctx context.Context) error {
	topic, err := a.engine.NewTopic(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("started %s\n", topic.Name)
	return nil
}

func (a *App) cmdOpen(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /open N")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(a.topics) {
		return errors.New("run /topics first and pick a listed number")
	}
	topic := a.topics[n-1]

	msgs, err := a.engine.OpenTopic(ctx, topic.ID)
	if err != nil {
		return err
	}
	fmt.Printf("opened %s (%d messages)\n", topic.Name, len(msgs))
	printTranscript(msgs)

	if p := a.engine.InFlight(topic.ID); p != nil {
		fmt.Printf("[streaming] %s\n", p.Text)
	}
	return nil
}

func (a *App) cmdRename(ctx context.Context, args []string) error {
	topic := a.engine.ActiveTopic()
	if topic == nil {
		return errors.New("no open topic")
	}
	if len(args) == 0 {
		return errors.New("usage: /rename NAME")
	}
	return a.engine.RenameTopic(ctx, topic.ID, strings.Join(args, " "))
}

func (a *App) cmdDelete(ctx context.Context) error {
	topic := a.engine.ActiveTopic()
	if topic == nil {
		return errors.New("no open topic")
	}
	if err := a.engine.DeleteTopic(ctx, topic.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", topic.Name)
	return nil
}

func (a *App) cmdHistory() {
	msgs := a.engine.Messages()
	if len(msgs) == 0 {
		fmt.Println("empty transcript")
		return
	}
	printTranscript(msgs)
}

func (a *App) cmdRegen(ctx context.Context) error {
	if a.engine.ActiveTopic() == nil {
		return errors.New("no open topic")
	}
	a.printed = 0
	a.summaryPrinted = 0
	if err := a.engine.Regenerate(ctx, "", ""); errors.Is(err, chat.ErrBusy) {
		return err
	}
	// Other failures were already surfaced through OnError.
	return nil
}

func (a *App) cmdEdit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /edit N TEXT")
	}
	msgs := a.engine.Messages()
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(msgs) {
		return errors.New("message number out of range")
	}
	target := msgs[n-1]
	if target.Role != model.RoleUser {
		return errors.New("only user messages can be edited")
	}

	a.printed = 0
	a.summaryPrinted = 0
	if err := a.engine.Regenerate(ctx, target.ID, strings.Join(args[1:], " ")); errors.Is(err, chat.ErrBusy) {
		return err
	}
	return nil
}

func (a *App) cmdRemove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /remove N")
	}
	msgs := a.engine.Messages()
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(msgs) {
		return errors.New("message number out of range")
	}
	return a.engine.RemoveMessage(ctx, msgs[n-1].ID)
}

func (a *App) cmdModel(args []string) {
	if len(args) == 0 {
		for _, m := range cloud.TextModels {
			fmt.Printf("  %-16s %s\n", m.ID, m.Name)
		}
		fmt.Printf("current: %s\n", a.cfg.DefaultModel)
		return
	}
	a.cfg.DefaultModel = args[0]
	a.engine.SetModel(args[0])
	fmt.Printf("model set to %s\n", args[0])
}

func (a *App) cmdKey(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /key KEY")
	}
	if err := a.cfg.SetAPIKey(args[0]); err != nil {
		return err
	}
	if err := a.cfg.Save(); err != nil {
		return err
	}
	a.buildEngine()
	fmt.Println("API key saved")
	return nil
}

func printTranscript(msgs []model.Message) {
	for i, m := range msgs {
		content := m.Content
		if len(content) > 80 {
			content = content[:77] + "..."
		}
		fmt.Printf("%3d  %-9s %s\n", i+1, m.Role, content)
	}
}
