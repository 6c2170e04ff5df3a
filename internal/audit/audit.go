// Package audit writes per-request/response audit records and mirrors
// captured stdout/stderr to the audit directory, and implements the
// target.AuditSink / ingress.AuditSink interfaces.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sshconsole/internal/logger"
	"sshconsole/internal/proto"
)

// RequestRecord is written to <id>.request.json on accept.
type RequestRecord struct {
	proto.CommandRequest
	Peer         string `json:"peer"`
	ReceivedAtMS int64  `json:"received_at_ms"`
}

// ResultRecord is written to <id>.result.json on completion.
type ResultRecord struct {
	ID         string `json:"id"`
	Status     proto.Status `json:"status"`
	ExitCode   *int32 `json:"exit_code,omitempty"`
	StdoutSize int    `json:"stdout_size"`
	StderrSize int    `json:"stderr_size"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Store writes audit records under a fixed directory.
type Store struct {
	dir string
	log *logger.LogEntry
}

// New builds a Store, creating dir if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: logger.Named("audit")}, nil
}

// RecordRequest implements target.AuditSink.
func (s *Store) RecordRequest(req proto.CommandRequest, peer string, receivedAt time.Time) {
	rec := RequestRecord{CommandRequest: req, Peer: peer, ReceivedAtMS: receivedAt.UnixMilli()}
	s.writeJSON(req.ID+".request.json", rec)
}

// RecordDenied implements ingress.AuditSink for requests denied before
// ever reaching a target service's pending queue.
func (s *Store) RecordDenied(req proto.CommandRequest, reason string) {
	s.writeJSON(req.ID+".request.json", RequestRecord{CommandRequest: req, ReceivedAtMS: time.Now().UnixMilli()})
	s.RecordResult(req, proto.DeniedResponse(req.ID, reason), 0)
}

// RecordResult implements target.AuditSink.
func (s *Store) RecordResult(req proto.CommandRequest, resp proto.CommandResponse, durationMS int64) {
	rec := ResultRecord{
		ID:         resp.ID,
		Status:     resp.Status,
		ExitCode:   resp.ExitCode,
		DurationMS: durationMS,
	}
	if resp.Stdout != nil {
		rec.StdoutSize = len(*resp.Stdout)
		s.writeMirror(resp.ID+".stdout", *resp.Stdout)
	}
	if resp.Stderr != nil {
		rec.StderrSize = len(*resp.Stderr)
		s.writeMirror(resp.ID+".stderr", *resp.Stderr)
	}
	if resp.Error != nil {
		rec.Error = *resp.Error
	}
	s.writeJSON(resp.ID+".result.json", rec)
}

func (s *Store) writeJSON(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("marshal audit record " + name + ": " + err.Error())
		return
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		s.log.Warn("write audit record " + name + ": " + err.Error())
	}
}

func (s *Store) writeMirror(name, content string) {
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o644); err != nil {
		s.log.Warn("write audit mirror " + name + ": " + err.Error())
	}
}

// LastResult scans the audit directory for the most recently modified
// <id>.result.json belonging to target and returns its ResultSnapshot,
// used to seed a target service's last_result hint at boot (in-memory
// history itself is not persisted across restarts). A result is skipped
// when its <id>.request.json names a different target; a result with no
// readable request record is not filtered out.
func (s *Store) LastResult(target string) (proto.ResultSnapshot, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return proto.ResultSnapshot{}, false
	}
	var (
		best     ResultRecord
		bestTime time.Time
		found    bool
	)
	for _, e := range entries {
		name := e.Name()
		if len(name) < len(".result.json") || name[len(name)-len(".result.json"):] != ".result.json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if found && !info.ModTime().After(bestTime) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if reqData, err := os.ReadFile(filepath.Join(s.dir, rec.ID+".request.json")); err == nil {
			var req RequestRecord
			if json.Unmarshal(reqData, &req) == nil && req.Target != "" && req.Target != target {
				continue
			}
		}
		best, bestTime, found = rec, info.ModTime(), true
	}
	if !found {
		return proto.ResultSnapshot{}, false
	}
	resp := proto.CommandResponse{ID: best.ID, Status: best.Status, ExitCode: best.ExitCode}
	if best.Error != "" {
		resp.Error = &best.Error
	}
	return proto.ResultSnapshot{
		ID:         best.ID,
		Target:     target,
		Response:   resp,
		FinishedAt: bestTime,
		DurationMS: best.DurationMS,
	}, true
}
