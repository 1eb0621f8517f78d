package transfer

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"schoolchat/api"
)

// KindMessage names message attachments in fallback filenames.
const KindMessage = "message"

// Downloaded is a fetched attachment.
type Downloaded struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Download fetches the attachment of messageID.
func Download(ctx context.Context, client *api.Client, messageID int64) (*Downloaded, error) {
	if messageID <= 0 {
		return nil, fmt.Errorf("invalid message id %d", messageID)
	}

	op := fmt.Sprintf("download attachment %d", messageID)
	resp, err := client.Do(ctx, api.Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/api/Message/file/%d", messageID),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := api.ReadAll(op, resp.Body)
	if err != nil {
		return nil, err
	}

	filename, ok := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if !ok {
		filename = FallbackFilename(KindMessage, messageID)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Downloaded{Filename: filename, ContentType: contentType, Data: data}, nil
}

// FilenameFromDisposition extracts a safe base filename from a
// Content-Disposition header. RFC 5987 filename* values are decoded.
func FilenameFromDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	return sanitizeFilename(params["filename"])
}

// FallbackFilename names a download whose response carried no filename.
func FallbackFilename(kind string, id int64) string {
	return fmt.Sprintf("%s_%d", kind, id)
}

func sanitizeFilename(name string) (string, bool) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", false
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return "", false
	}
	return base, true
}
