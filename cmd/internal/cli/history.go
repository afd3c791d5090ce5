package cli

import (
	"fmt"

	"chord/cmd/internal/app"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/spf13/cobra"
)

func newHistoryCommand(open func() (*app.App, error)) *cobra.Command {
	var pages int

	cmd := &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Print stored messages of a channel, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pages < 1 {
				return fmt.Errorf("--pages must be at least 1")
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			// History is REST only; the session stays disconnected.
			c := a.NewController()
			defer c.Close()

			ctx := cmd.Context()
			if err := c.Open(ctx, v1.ID(args[0])); err != nil {
				return err
			}
			for i := 1; i < pages && c.Snapshot().HasMore; i++ {
				if err := c.LoadOlder(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			snap := c.Snapshot()
			for _, m := range snap.Messages {
				fmt.Fprintln(out, formatMessage(m))
			}
			if snap.HasMore {
				fmt.Fprintf(out, "(more with --pages %d)\n", pages+1)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")
	return cmd
}
