// ABOUTME: Terminal visitor client for chat-gateway
// ABOUTME: Resumes the visitor's conversation and chats through the widget event loop

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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/chat-gateway/internal/widget"
)

// getConfigPath returns the path to the widget config file.
// Priority: CHAT_WIDGET_CONFIG env var > XDG_CONFIG_HOME/chat-gateway/widget.toml > ~/.config/chat-gateway/widget.toml
func getConfigPath() string {
	if envPath := os.Getenv("CHAT_WIDGET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "widget.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chat-gateway", "widget.toml")
}

// getDataPath returns the widget's data directory.
// Priority: XDG_DATA_HOME/chat-widget > ~/.local/share/chat-widget
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chat-widget")
}

func main() {
	configPath := flag.String("config", getConfigPath(), "Path to widget.toml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	logger := setupLogger(cfg.Logging.Level)

	session, err := openSession(cfg)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Gateway: %s (widget %s)\n", cfg.Gateway.URL, cfg.Gateway.WidgetKey)
	fmt.Fprintln(out, "Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Fprintln(out)

	loop := widget.NewLoop(widget.NewClient(cfg.Gateway.URL, nil), session, widget.LoopConfig{
		WidgetKey: cfg.Gateway.WidgetKey,
		Profile: widget.VisitorProfile{
			Name:     cfg.Visitor.Name,
			Email:    cfg.Visitor.Email,
			Phone:    cfg.Visitor.Phone,
			Country:  cfg.Visitor.Country,
			Language: cfg.Visitor.Language,
		},
		TypingDebounce:  cfg.Polling.TypingDebounce,
		PollInterval:    cfg.Polling.Interval,
		ExtraPollCycles: cfg.Polling.ExtraCycles,
		DisableRealtime: !cfg.Polling.RealtimeEnabled(),
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
		cancel()
	}()

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		t := &transcript{out: out}
		for u := range loop.Updates() {
			t.render(u)
		}
	}()

	inputErr := readInput(ctx, loop, in, out)
	cancel()
	<-rendered
	if err := <-loopErr; err != nil {
		return err
	}
	return inputErr
}

// openSession opens the durable visitor file, plus a persisted session file
// when session.persist is set.
func openSession(cfg *Config) (*widget.Session, error) {
	dataDir := cfg.Session.DataDir
	if dataDir == "" {
		dataDir = getDataPath()
	}
	durable, err := widget.OpenFileKV(filepath.Join(dataDir, "visitor.json"))
	if err != nil {
		return nil, fmt.Errorf("opening visitor store: %w", err)
	}
	if !cfg.Session.Persist {
		return widget.NewSession(durable, nil), nil
	}
	sess, err := widget.OpenFileKV(filepath.Join(dataDir, "session-"+cfg.Gateway.WidgetKey+".json"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return widget.NewSession(durable, sess), nil
}

func readInput(ctx context.Context, loop *widget.Loop, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}
		if err := handleLine(ctx, loop, input, out); err != nil {
			if errors.Is(err, widget.ErrLoopStopped) {
				return nil
			}
			color.New(color.FgRed).Fprintf(out, "[error] %v\n", err)
		}
	}
}

func handleLine(ctx context.Context, loop *widget.Loop, input string, out io.Writer) error {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		printHelp(out)
		return nil
	case "/new":
		if err := loop.StartNew(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "-- the next message starts a new conversation")
		return nil
	case "/older":
		msgs, err := loop.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "-- start of conversation")
			return nil
		}
		t := &transcript{out: out}
		fmt.Fprintln(out, "-- earlier messages")
		for _, m := range msgs {
			t.message(m)
		}
		return nil
	case "/close":
		return loop.CloseConversation(ctx, args)
	case "/rate":
		scoreStr, comment, _ := strings.Cut(args, " ")
		score, err := strconv.Atoi(scoreStr)
		if err != nil {
			return fmt.Errorf("usage: /rate N [comment]")
		}
		if err := loop.Rate(ctx, score, strings.TrimSpace(comment)); err != nil {
			return err
		}
		fmt.Fprintln(out, "-- thanks for the feedback")
		return nil
	case "/hide":
		return loop.SetVisible(ctx, false)
	case "/show":
		return loop.SetVisible(ctx, true)
	}

	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s", cmd)
	}

	err := loop.Send(ctx, input)
	if errors.Is(err, widget.ErrConversationClosed) {
		return fmt.Errorf("this conversation is closed; /new starts another")
	}
	return err
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  /older          Load earlier messages")
	fmt.Fprintln(out, "  /close [reason] Close the conversation")
	fmt.Fprintln(out, "  /rate N [text]  Rate the conversation 1-5")
	fmt.Fprintln(out, "  /new            Start a new conversation")
	fmt.Fprintln(out, "  /hide, /show    Pause or resume polling")
	fmt.Fprintln(out, "  /quit           Exit")
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}
