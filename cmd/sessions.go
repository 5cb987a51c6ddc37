package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/koobs1993/mindwell/chat"
)

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Review past sessions",
	}
	sessionsCmd.AddCommand(newSessionsListCmd())
	sessionsCmd.AddCommand(newSessionsArchiveCmd())
	return sessionsCmd
}

func newSessionsListCmd() *cobra.Command {
	var includeArchived bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			count := 0
			for sess, err := range a.history.List(ctx, a.owner) {
				if err != nil {
					return err
				}
				if sess.Status == chat.StatusArchived && !includeArchived {
					continue
				}
				printSession(sess)
				count++
			}
			if count == 0 {
				fmt.Println("No sessions yet. Run mindwell to start one.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&includeArchived, "all", "a", false, "include archived sessions")
	return cmd
}

func printSession(sess *chat.Session) {
	title := sess.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("#%d  %s  [%s]  started %s\n",
		sess.ID, title, sess.Status, sess.StartedAt.Format("2006-01-02 15:04"))
	if sess.Summary != "" {
		fmt.Printf("     %s\n", sess.Summary)
	}
}

func newSessionsArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive an ended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			err = a.history.Archive(ctx, id)
			switch {
			case errors.Is(err, chat.ErrSessionNotFound):
				return fmt.Errorf("session %d does not exist", id)
			case errors.Is(err, chat.ErrInvalidState):
				return fmt.Errorf("session %d is still active; end it before archiving", id)
			case err != nil:
				return err
			}

			fmt.Printf("Session %d archived.\n", id)
			return nil
		},
	}
}
