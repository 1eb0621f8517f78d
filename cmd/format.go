package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"schoolchat/models"
)

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().Int64P("user", "u", 0, "direct conversation with this user id")
	cmd.Flags().Int64P("group", "g", 0, "group conversation id")
}

func targetFromFlags(cmd *cobra.Command) (models.Target, error) {
	userID, _ := cmd.Flags().GetInt64("user")
	groupID, _ := cmd.Flags().GetInt64("group")
	target := models.Target{ReceiverID: userID, GroupChatID: groupID}
	if err := target.Validate(); err != nil {
		return models.Target{}, errors.New("pass exactly one of --user or --group")
	}
	return target, nil
}

func writeMessage(w io.Writer, prefix string, msg models.Message) {
	author := msg.Sender.Name
	if author == "" {
		author = fmt.Sprintf("user %d", msg.Sender.ID)
	}
	if msg.FromCurrentUser {
		author += " (you)"
	}

	line := fmt.Sprintf("%s#%d [%s] %s: %s", prefix, msg.ID, msg.SentAt.Local().Format(time.DateTime), author, msg.Content)
	if msg.HasAttachment() {
		line += fmt.Sprintf(" [attachment: %s]", msg.Attachment.Name)
	}
	fmt.Fprintln(w, strings.TrimRight(line, " "))
}

func writeGroup(w io.Writer, group *models.GroupChat) {
	fmt.Fprintf(w, "Group %d: %s\n", group.ID, group.Name)
	if group.Description != "" {
		fmt.Fprintf(w, "  %s\n", group.Description)
	}
	for _, member := range group.Members {
		role := ""
		if member.IsAdmin {
			role = " (admin)"
		}
		fmt.Fprintf(w, "  - %s%s\n", member.UserName, role)
	}
	fmt.Fprintln(w)
}
