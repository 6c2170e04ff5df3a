package acp

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// contentBlock is one entry of an ACP prompt array: either a text block
// or an inline base64 image.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// flattenPromptBlocks joins the text blocks of a prompt and decodes any
// inline images to temp files, referencing their paths inline since the
// embedded conversation runtime works over flat message text rather than
// multi-part content.
func flattenPromptBlocks(blocks []contentBlock) (string, []string) {
	var sb strings.Builder
	var imagePaths []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			text := strings.TrimSpace(block.Text)
			if text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text)
		case "image":
			path, err := writeTempImage(block.Data, block.MimeType)
			if err != nil {
				continue
			}
			imagePaths = append(imagePaths, path)
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(fmt.Sprintf("[image attached: %s]", path))
		}
	}
	return sb.String(), imagePaths
}

func normalizeBase64Payload(data string) string {
	data = strings.TrimSpace(data)
	if idx := strings.Index(data, "base64,"); idx >= 0 {
		data = data[idx+len("base64,"):]
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, data)
}

func imageExtensionForMIME(mime string) string {
	lowered := strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch {
	case strings.Contains(lowered, "png"):
		return "png"
	case strings.Contains(lowered, "jpeg"), strings.Contains(lowered, "jpg"):
		return "jpg"
	case strings.Contains(lowered, "webp"):
		return "webp"
	case strings.Contains(lowered, "gif"):
		return "gif"
	default:
		return "bin"
	}
}

func writeTempImage(data, mimeType string) (string, error) {
	payload := normalizeBase64Payload(data)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("image base64 decode failed: %w", err)
	}
	ext := imageExtensionForMIME(mimeType)
	name := fmt.Sprintf("sshconsole-agent-image-%s.%s", uuid.NewString(), ext)
	path := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// normalizeCwd resolves a possibly-relative/empty cwd against the
// process's current directory.
func normalizeCwd(raw string) string {
	trimmed := strings.TrimSpace(raw)
	cur, err := os.Getwd()
	if err != nil {
		cur = "."
	}
	if trimmed == "" {
		return cur
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cur, trimmed)
}
