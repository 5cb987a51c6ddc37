package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koobs1993/mindwell/chat"
	"github.com/koobs1993/mindwell/completion"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.RequireAPIKey(); err != nil {
		return err
	}

	completer := completion.New(completion.Config{
		APIKey:      a.cfg.APIKey,
		BaseURL:     a.cfg.BaseURL,
		Model:       a.cfg.ModelName,
		Temperature: &a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		MinInterval: a.cfg.MinRequestInterval(),
		Logger:      slog.Default().With("component", "completion"),
	})

	engine, err := chat.NewEngine(chat.Config{
		Store:            a.store,
		Completer:        completer,
		Feed:             a.listener,
		Logger:           slog.Default().With("component", "engine"),
		OwnerID:          a.owner,
		MinResponseDelay: a.cfg.MinResponseDelay(),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	sess, err := engine.Start(ctx)
	if err != nil && !errors.Is(err, chat.ErrSubscription) {
		return fmt.Errorf("starting session: %w", err)
	}
	if errors.Is(err, chat.ErrSubscription) {
		fmt.Fprintln(os.Stderr, "note: live updates unavailable for this session")
	}

	fmt.Printf("Session %d started. Type /help for commands.\n\n", sess.ID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			fmt.Println("Leaving without ending; the session stays active.")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/help":
			printChatHelp()
			continue
		case line == "/history":
			for _, m := range engine.Messages() {
				if m.Role == chat.RoleSystem {
					continue
				}
				fmt.Printf("[%s] %s\n", m.Role, m.Content)
			}
			continue
		case line == "/end":
			summary, err := engine.End(ctx)
			switch {
			case errors.Is(err, chat.ErrSummaryUnavailable):
				fmt.Println("Session ended. A summary could not be generated this time.")
			case err != nil:
				return fmt.Errorf("ending session: %w", err)
			default:
				fmt.Printf("Session ended.\n\nSummary:\n%s\n", summary)
			}
			return nil
		case line == "/quit" || line == "/exit":
			fmt.Println("Leaving without ending; the session stays active.")
			return nil
		case strings.HasPrefix(line, "/"):
			fmt.Printf("Unknown command %q. Type /help for commands.\n", line)
			continue
		}

		reply, err := engine.Send(ctx, line)
		if err != nil {
			printSendError(err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply.Content)
	}
}

// printSendError translates engine errors into user-facing guidance. The
// user message is already persisted when the assistant turn fails, so
// retrying means just sending again.
func printSendError(err error) {
	var cerr *completion.Error
	switch {
	case errors.Is(err, chat.ErrValidation):
		fmt.Println("Please type a message.")
	case errors.As(err, &cerr):
		switch cerr.Kind {
		case completion.KindQuotaExceeded:
			fmt.Println("The assistant is rate limited right now. Wait a moment and send again.")
		case completion.KindUnauthorized, completion.KindMissingCredential:
			fmt.Println("The API key was rejected. Check OPENAI_API_KEY and send again.")
		default:
			fmt.Println("The assistant could not respond. Your message was saved; send again to retry.")
		}
	default:
		fmt.Printf("Something went wrong: %v\n", err)
	}
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /history    Show the conversation so far")
	fmt.Println("  /end        End the session and get a summary")
	fmt.Println("  /quit       Leave without ending the session")
	fmt.Println("  /help       Show this help")
}
