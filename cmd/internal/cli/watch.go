package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"chord/cmd/internal/app"
	"chord/cmd/internal/channel"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/spf13/cobra"
)

func newWatchCommand(open func() (*app.App, error)) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "watch <channel-id>",
		Short: "Join a channel and stream its messages",
		Long: `Joins the channel, prints its latest history page and then every live
message, edit and typing notice until interrupted.

With --interactive each stdin line is sent to the channel; "/older" loads the
next older history page and "/login <token>" reconnects with a fresh token of
the same user.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			channelID := v1.ID(args[0])

			return a.Run(cmd.Context(), func(ctx context.Context) error {
				c := a.NewController()
				defer c.Close()

				p := newPrinter(cmd.OutOrStdout())
				off := c.Subscribe(p.render)
				defer off()

				if err := c.Open(ctx, channelID); err != nil {
					var herr *channel.HistoryLoadError
					if !errors.As(err, &herr) {
						return err
					}
					// Live messages still flow; the printer already reported it.
				}

				if interactive {
					go readInput(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), c, a.Relogin)
				}

				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "send stdin lines to the channel")
	return cmd
}

// composer is the part of the controller driven by terminal input.
type composer interface {
	Submit(content string) error
	SetTyping(isTyping bool) error
	LoadOlder(ctx context.Context) error
}

// reloginFunc reconnects the session with a new token.
type reloginFunc func(ctx context.Context, token string) error

func readInput(ctx context.Context, in io.Reader, errOut io.Writer, c composer, relogin reloginFunc) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if err := handleLine(ctx, c, relogin, line); err != nil {
			fmt.Fprintf(errOut, "! %v\n", err)
		}
	}
}

func handleLine(ctx context.Context, c composer, relogin reloginFunc, line string) error {
	switch line {
	case "":
		return nil
	case "/older":
		return c.LoadOlder(ctx)
	}
	if f := strings.Fields(line); f[0] == "/login" {
		var token string
		if len(f) > 1 {
			token = f[1]
		}
		return relogin(ctx, token)
	}

	// A line arrives whole, so the typing notice brackets its submission.
	// Submit reports the same connection errors the notice would.
	_ = c.SetTyping(true)
	err := c.Submit(line)
	if terr := c.SetTyping(false); err == nil {
		err = terr
	}
	return err
}
