package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/pkg/types"
)

var (
	runModel       string
	runSystem      string
	runSessionID   string
	runInteractive bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send a message and stream the reply",
	Long: `Send a message to a model and stream the turn to stdout.

Examples:
  conduit run "What is the capital of France?"
  conduit run --model gpt-4o "Explain this error"
  conduit run --session ses_01H... "And in German?"
  conduit run -i   # interactive chat`,
	RunE: runChat,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use")
	runCmd.Flags().StringVar(&runSystem, "system", "", "System prompt")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Session ID to continue")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Interactive chat session")
}

func runChat(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	application, err := bootstrap(dir)
	if err != nil {
		return err
	}
	defer application.bus.Close()

	model := runModel
	if model == "" {
		model = application.config.Model
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var eng *session.Engine
	if runSessionID != "" {
		eng, err = application.sessions.Resume(ctx, runSessionID)
	} else {
		if model == "" {
			return fmt.Errorf("no model configured: pass --model or set CONDUIT_MODEL")
		}
		eng, err = application.sessions.Create(ctx, types.SessionConfig{
			Model:        model,
			SystemPrompt: runSystem,
		})
	}
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if message != "" {
		if err := runTurn(ctx, eng, message); err != nil {
			return err
		}
	}

	if !runInteractive {
		if message == "" {
			return fmt.Errorf("message required: conduit run \"your message\"")
		}
		fmt.Fprintf(os.Stderr, "session: %s\n", eng.Session().ID)
		return nil
	}

	fmt.Fprintf(os.Stderr, "session %s, exit with ctrl-d\n", eng.Session().ID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runTurn(ctx, eng, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// runTurn sends one user message and prints the streamed turn.
func runTurn(ctx context.Context, eng *session.Engine, text string) error {
	if err := eng.SendText(text); err != nil {
		return err
	}
	stream, err := eng.Receive(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case session.EventText:
			fmt.Print(ev.Text)
		case session.EventToolUse:
			fmt.Fprintf(os.Stderr, "\n[tool %s]\n", ev.ToolUse.Name)
		case session.EventToolResult:
			if ev.ToolResult.IsError {
				fmt.Fprintf(os.Stderr, "[tool error] %s\n", ev.ToolResult.Content)
			}
		case session.EventError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Err)
		case session.EventStop:
			if ev.Usage != nil {
				fmt.Fprintf(os.Stderr, "\n[%s, %d tokens]\n", ev.StopReason, ev.Usage.Total())
			}
		}
	}
}
