package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"schoolchat/chat"
	"schoolchat/transfer"
)

func init() {
	addTargetFlags(historyCmd)
	historyCmd.Flags().IntP("pages", "p", 1, "number of pages to fetch")

	addTargetFlags(sendCmd)
	sendCmd.Flags().StringP("file", "f", "", "attach a file")
	sendCmd.Flags().Bool("image", false, "treat the attachment as an image (checked and downscaled)")

	downloadCmd.Flags().StringP("dir", "d", "", "target directory (default from config)")

	rootCmd.AddCommand(historyCmd, sendCmd, editCmd, deleteCmd, downloadCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print conversation history",
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
		pages, _ := cmd.Flags().GetInt("pages")

		conv, err := chat.Open(chat.Options{
			Client:        a.client,
			Events:        a.notifier,
			Target:        target,
			CurrentUserID: userID,
			PageSize:      a.cfg.PageSize,
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		defer conv.Close()

		for i := 0; i < pages; i++ {
			if _, err := conv.LoadNextPage(cmd.Context()); err != nil {
				return err
			}
			if exhausted, _ := conv.Exhausted(); exhausted {
				break
			}
		}

		if group, _ := conv.Group(); group != nil {
			writeGroup(os.Stdout, group)
		}
		messages, err := conv.Snapshot()
		if err != nil {
			return err
		}
		for _, msg := range messages {
			writeMessage(os.Stdout, "", msg)
		}
		return nil
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a message, optionally with an attachment",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		target, err := targetFromFlags(cmd)
		if err != nil {
			return err
		}
		text := strings.Join(args, " ")

		var file *transfer.File
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			if file, err = transfer.LoadFile(path); err != nil {
				return err
			}
		}
		if image, _ := cmd.Flags().GetBool("image"); image {
			if file == nil {
				return fmt.Errorf("--image needs --file")
			}
			if file, err = transfer.PrepareImage(file, transfer.MaxImageEdge); err != nil {
				return err
			}
		}

		ack, err := transfer.Upload(cmd.Context(), a.client, target, text, file)
		if err != nil {
			return err
		}
		switch {
		case ack.MessageID != 0:
			fmt.Printf("Sent message #%d\n", ack.MessageID)
		case ack.Message != "":
			fmt.Println(ack.Message)
		default:
			fmt.Println("Sent")
		}
		return nil
	}),
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text...>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := parseMessageID(args[0])
		if err != nil {
			return err
		}
		if err := a.client.EditMessage(cmd.Context(), id, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("Edited message #%d\n", id)
		return nil
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := parseMessageID(args[0])
		if err != nil {
			return err
		}
		if err := a.client.DeleteMessage(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted message #%d\n", id)
		return nil
	}),
}

var downloadCmd = &cobra.Command{
	Use:   "download <message-id>",
	Short: "Download the attachment of a message",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := parseMessageID(args[0])
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = a.cfg.DownloadsDir
		}

		downloaded, err := transfer.Download(cmd.Context(), a.client, id)
		if err != nil {
			return err
		}
		path, err := transfer.NewDirSaver(dir, a.logger).Save(downloaded.Filename, downloaded.Data, downloaded.ContentType)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%d bytes)\n", path, len(downloaded.Data))
		return nil
	}),
}

func parseMessageID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", raw)
	}
	return id, nil
}
