// Package transfer uploads message attachments as multipart forms and
// downloads them back by message id.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// MaxImageEdge is the longest edge, in pixels, an uploaded image keeps.
const MaxImageEdge = 1920

// ErrUnsupportedImage is returned when an image-only attachment has a
// disallowed extension or cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image file")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// File is an attachment selected for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// LoadFile reads path into a File, guessing its content type from the
// extension and then the content.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	name := filepath.Base(path)
	return &File{Name: name, ContentType: detectContentType(name, data), Data: data}, nil
}

func detectContentType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

// IsImageName reports whether name has an extension accepted for image-only
// attachments.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// PrepareImage checks an image-only attachment and shrinks it so its long
// edge is at most maxEdge. Images already small enough and webp files are
// returned unchanged.
func PrepareImage(file *File, maxEdge int) (*File, error) {
	if file == nil {
		return nil, errors.New("no attachment")
	}
	if !IsImageName(file.Name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, file.Name)
	}
	if strings.EqualFold(filepath.Ext(file.Name), ".webp") || maxEdge <= 0 {
		return file, nil
	}

	config, _, err := image.DecodeConfig(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedImage, file.Name, err)
	}
	if config.Width <= maxEdge && config.Height <= maxEdge {
		return file, nil
	}

	format, err := imaging.FormatFromFilename(file.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedImage, file.Name, err)
	}
	img, err := imaging.Decode(bytes.NewReader(file.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedImage, file.Name, err)
	}

	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}

	return &File{Name: file.Name, ContentType: file.ContentType, Data: buf.Bytes()}, nil
}
