package target

import "sshconsole/internal/proto"

func snapshotQueue(pending []proto.PendingRequest) []proto.RequestSnapshot {
	out := make([]proto.RequestSnapshot, 0, len(pending))
	for _, pr := range pending {
		out = append(out, proto.RequestSnapshot{
			ID:         pr.Request.ID,
			Client:     pr.Request.Client,
			Target:     pr.Request.Target,
			Intent:     pr.Request.Intent,
			RawCommand: pr.Request.RawCommand,
			QueuedAt:   pr.QueuedAt,
		})
	}
	return out
}

func snapshotRunning(running map[string]*runningEntry) []proto.RunningSnapshot {
	out := make([]proto.RunningSnapshot, 0, len(running))
	for id, entry := range running {
		out = append(out, proto.RunningSnapshot{
			ID:         id,
			Target:     entry.pending.Request.Target,
			RawCommand: entry.pending.Request.RawCommand,
			StartedAt:  entry.startedAt,
		})
	}
	return out
}
