package cli

import (
	"context"
	"fmt"
	"strings"

	"chord/cmd/internal/app"
	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/spf13/cobra"
)

func newSendCommand(open func() (*app.App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel-id> <text>...",
		Short: "Send one message to a channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			channelID := v1.ID(args[0])
			content := strings.Join(args[1:], " ")

			return a.Run(cmd.Context(), func(context.Context) error {
				s := a.Session()
				if st := s.State(); st != realtime.StateConnected {
					return fmt.Errorf("send: session %s", st)
				}
				if err := s.JoinChannel(channelID, a.User()); err != nil {
					return err
				}
				if err := s.SendMessage(content, channelID, a.User()); err != nil {
					return err
				}
				s.LeaveChannel(channelID)
				return nil
			})
		},
	}
}
