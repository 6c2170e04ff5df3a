package acp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sshconsole/internal/agent"
)

// rolloutEntry is one line of a rollout-*.jsonl session transcript.
type rolloutEntry struct {
	Payload rolloutPayload `json:"payload"`
}

type rolloutPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func rolloutsRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sshconsole", "sessions"), nil
}

func ensureRolloutsRoot() (string, error) {
	root, err := rolloutsRoot()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

func isRolloutFile(name string) bool {
	return strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl")
}

// newRolloutPath builds a fresh rollout file path for sessionID under root.
func newRolloutPath(root, sessionID string) string {
	stamp := time.Now().UTC().Format("20060102T150405")
	return filepath.Join(root, fmt.Sprintf("rollout-%s-%s.jsonl", stamp, sessionID))
}

// findRolloutPath scans root (recursively) for a rollout file whose name
// contains sessionID, mirroring the original scan_directory walk.
func findRolloutPath(root, sessionID string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("sessions directory does not exist: %s", root)
		}
		return "", err
	}
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if isRolloutFile(name) && strings.Contains(name, sessionID) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}
	return found, nil
}

// loadRolloutHistory replays a rollout file into the conversation
// message shape the embedded runtime understands.
func loadRolloutHistory(path string) ([]agent.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []agent.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry rolloutEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		var role agent.Role
		switch entry.Payload.Type {
		case "user_message":
			role = agent.RoleUser
		case "agent_message":
			role = agent.RoleAssistant
		default:
			continue
		}
		if entry.Payload.Message == "" {
			continue
		}
		messages = append(messages, agent.Message{Role: role, Content: entry.Payload.Message})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// rolloutWriter appends turns to a single rollout file as they happen,
// one JSON object per line, so a session survives process restarts.
type rolloutWriter struct {
	mu   sync.Mutex
	path string
}

func newRolloutWriter(path string) *rolloutWriter {
	return &rolloutWriter{path: path}
}

func (w *rolloutWriter) Append(kind, sessionID, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rolloutEntry{Payload: rolloutPayload{Type: kind, Message: message, SessionID: sessionID}})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
