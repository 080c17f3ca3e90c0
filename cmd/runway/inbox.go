package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/runwayhq/runway/pkg/chat"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/spf13/cobra"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show the chat rooms of a user",
	Long: `List the chat rooms the --user belongs to with their last message and
unread count.

Examples:
  runway inbox --user alice
  runway inbox --user alice --send ops "Runway 27 closed for inspection"
  runway inbox --user alice --read ops
  runway inbox --user alice --watch`,
	RunE: runInbox,
}

func init() {
	inboxCmd.Flags().String("send", "", "Room to send the message argument to")
	inboxCmd.Flags().String("read", "", "Room to mark as read")
	inboxCmd.Flags().Duration("settle", time.Second, "How long to let room subscriptions load")
	inboxCmd.Flags().Bool("watch", false, "Print new message notices until interrupted")
}

func runInbox(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	in, err := chat.NewInbox(chat.Deps{
		Client:   e.client,
		Gateway:  e.gw,
		Schemas:  e.schemas,
		Notifier: logNotifier(log.WithUserID(log.WithComponent("inbox"), e.session.UserID)),
		Logger:   log.Logger,
		Session:  e.session,
	})
	if err != nil {
		return err
	}
	if err := in.Open(ctx); err != nil {
		return err
	}
	defer in.Close()

	// rooms open their message subscriptions as the room list arrives
	settle, _ := cmd.Flags().GetDuration("settle")
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return nil
	}
	if serr := in.StoreErr(); serr != nil {
		return serr
	}

	out := cmd.OutOrStdout()
	if room, _ := cmd.Flags().GetString("send"); room != "" {
		if len(args) != 1 {
			return fmt.Errorf("--send takes exactly one message argument")
		}
		id, err := in.Send(ctx, room, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Message sent: %s\n", id)
	}
	if room, _ := cmd.Flags().GetString("read"); room != "" {
		if err := in.MarkRead(ctx, room); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Room marked read: %s\n", room)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tNAME\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
	for _, s := range in.Summaries() {
		last := "-"
		if s.LastMessage != nil {
			last = types.Stringify(s.LastMessage.Field("senderId")) + ": " + types.Stringify(s.LastMessage.Field("text"))
		}
		activity := "-"
		if !s.LastActivity.IsZero() {
			activity = s.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.RoomID, cell(s.Name), s.Unread, activity, cell(last))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		<-ctx.Done()
	}
	return nil
}
