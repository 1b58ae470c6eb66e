package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/router"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var buttonID string
	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Show which reply a message would receive",
		Long: `Classify runs a message through the reply table without sending anything.

Use --button-id to simulate a button tap.`,
		Example: `  replybot classify hi
  replybot classify --button-id 2 "Our Services"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := opts.loadTable("")
			if err != nil {
				return err
			}

			ev := domain.InboundEvent{Body: strings.Join(args, " "), SelectionID: buttonID}
			if buttonID != "" {
				ev.Type = domain.MessageTypeButtonsResponse
			}
			key := router.Normalize(ev)
			reply := router.Classify(table, key)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:      %q\n", key)
			fmt.Fprintf(out, "reply:    %s\n", reply.Kind)
			if reply.Fallback {
				fmt.Fprintln(out, "fallback: true")
			}
			if reply.Kind != router.KindNone {
				fmt.Fprintf(out, "\n%s\n", reply.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buttonID, "button-id", "", "selected button id")
	return cmd
}
