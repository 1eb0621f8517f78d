package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schoolchat/chat"
	"schoolchat/models"
	"schoolchat/transfer"
)

func init() {
	addTargetFlags(listenCmd)
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow a conversation live until interrupted",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		target, err := targetFromFlags(cmd)
		if err != nil {
			return err
		}
		userID, err := a.requireUser()
		if err != nil {
			return err
		}

		conv, err := chat.Open(chat.Options{
			Client:        a.client,
			Events:        a.notifier,
			Target:        target,
			CurrentUserID: userID,
			PageSize:      a.cfg.PageSize,
			Saver:         transfer.NewDirSaver(a.cfg.DownloadsDir, a.logger),
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		defer conv.Close()

		// Connect does not block; events queue on the subscription meanwhile.
		a.notifier.Connect()

		ctx := cmd.Context()
		if _, err := conv.LoadNextPage(ctx); err != nil {
			return err
		}

		shown := make(map[int64]models.Message)
		render := func() {
			messages, err := conv.Snapshot()
			if err != nil {
				return
			}
			current := make(map[int64]models.Message, len(messages))
			for _, msg := range messages {
				current[msg.ID] = msg
				previous, seen := shown[msg.ID]
				switch {
				case !seen:
					writeMessage(os.Stdout, "+ ", msg)
				case previous.Content != msg.Content:
					writeMessage(os.Stdout, "~ ", msg)
				}
			}
			for id, msg := range shown {
				if _, ok := current[id]; !ok {
					writeMessage(os.Stdout, "- ", msg)
				}
			}
			shown = current
		}
		render()

		for {
			select {
			case <-ctx.Done():
				a.logger.Debug("listen interrupted")
				return nil
			case <-conv.Changes():
				render()
			case alert := <-conv.Alerts():
				a.logger.Warn("conversation alert", zap.String("op", alert.Op), zap.String("text", alert.Text))
			}
		}
	}),
}
