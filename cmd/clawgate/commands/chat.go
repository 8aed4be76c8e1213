package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
)

// newChatCmd creates the `clawgate chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent from the terminal",
		Long: `Send one message to the agent, or start an interactive session
when no message is given. Slash commands such as /reset and /model work
as they do on the chat platforms.

Examples:
  clawgate chat "what changed in the last commit?"
  clawgate chat --session work`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("session", "s", "default", "session name")
	cmd.Flags().StringP("model", "m", "", "model override for this run")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Agent.Model = model
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	gw, err := gateway.New(cfg, gateway.Options{Interactive: true}, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.Error("gateway stopped", "error", err)
		}
	}()

	name, _ := cmd.Flags().GetString("session")
	sessionKey := "cli:" + name
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		return printReply(out, gw.Chat(ctx, sessionKey, args[0]))
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return chatLines(ctx, gw, sessionKey, os.Stdin, out)
	}
	return chatREPL(ctx, gw, sessionKey, cfg.State.Dir, out)
}

func chatREPL(ctx context.Context, gw *gateway.Gateway, sessionKey, stateDir string, out io.Writer) error {
	_ = os.MkdirAll(stateDir, 0o700)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(stateDir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "session %s, /help for commands, Ctrl+D to quit\n", sessionKey)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := printReply(out, gw.Chat(ctx, sessionKey, line)); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// chatLines handles piped input: one message per line.
func chatLines(ctx context.Context, gw *gateway.Gateway, sessionKey string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := printReply(out, gw.Chat(ctx, sessionKey, line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printReply(out io.Writer, reply agent.Reply) error {
	if reply.Text != "" {
		fmt.Fprintln(out, reply.Text)
	}
	if reply.Err != nil && reply.Outcome != agent.Cancelled {
		return fmt.Errorf("%s: %w", reply.Outcome, reply.Err)
	}
	return nil
}
