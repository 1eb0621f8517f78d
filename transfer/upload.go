package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"schoolchat/api"
	"schoolchat/models"
)

// Multipart field names of POST /api/Message/send.
const (
	FieldReceiverID  = "ReceiverId"
	FieldGroupChatID = "GroupChatId"
	FieldContent     = "Content"
	FieldAttachment  = "Attachment"

	sendPath = "/api/Message/send"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// BuildUploadForm encodes a send request. Exactly one of ReceiverId and
// GroupChatId is written.
func BuildUploadForm(target models.Target, text string, file *File) (*bytes.Buffer, string, error) {
	if err := target.Validate(); err != nil {
		return nil, "", err
	}
	if text == "" && file == nil {
		return nil, "", errors.New("message has neither text nor attachment")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if target.IsGroup() {
		if err := writer.WriteField(FieldGroupChatID, strconv.FormatInt(target.GroupChatID, 10)); err != nil {
			return nil, "", fmt.Errorf("write group chat id: %w", err)
		}
	} else {
		if err := writer.WriteField(FieldReceiverID, strconv.FormatInt(target.ReceiverID, 10)); err != nil {
			return nil, "", fmt.Errorf("write receiver id: %w", err)
		}
	}
	if err := writer.WriteField(FieldContent, text); err != nil {
		return nil, "", fmt.Errorf("write content: %w", err)
	}

	if file != nil {
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			FieldAttachment, quoteEscaper.Replace(file.Name)))
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// Upload sends a message with optional text and attachment to target.
// Non-success statuses come back as *api.Error with the server text.
func Upload(ctx context.Context, client *api.Client, target models.Target, text string, file *File) (models.SendAck, error) {
	body, contentType, err := BuildUploadForm(target, text, file)
	if err != nil {
		return models.SendAck{}, err
	}

	op := "send message to " + target.String()
	resp, err := client.Do(ctx, api.Request{
		Op:          op,
		Method:      http.MethodPost,
		Path:        sendPath,
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return models.SendAck{}, err
	}
	defer resp.Body.Close()

	raw, err := api.ReadAll(op, resp.Body)
	if err != nil {
		return models.SendAck{}, err
	}
	return parseAck(raw), nil
}

// parseAck accepts a JSON acknowledgement or plain text. The message was
// accepted either way, so an odd body is not an error.
func parseAck(raw []byte) models.SendAck {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return models.SendAck{}
	}
	var ack models.SendAck
	if json.Valid(trimmed) && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &ack); err == nil {
			return ack
		}
	}
	return models.SendAck{Message: string(trimmed)}
}
