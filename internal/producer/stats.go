package producer

import (
	"fmt"
	"time"
)

// Stats summarises a producer session.
type Stats struct {
	StartTime    time.Time
	PacketsSent  int
	BytesSent    int64 // uncompressed payload bytes
	LastSyncTime time.Time
	SyncRate     float64 // Hz, from the gap between the last two sends
	Errors       int
	Skipped      int // unchanged payloads not resent
}

func (s *Stats) recordSent(now time.Time, size int) {
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	s.PacketsSent++
	s.BytesSent += int64(size)

	if !s.LastSyncTime.IsZero() {
		if delta := now.Sub(s.LastSyncTime); delta > 0 {
			s.SyncRate = 1 / delta.Seconds()
		} else {
			s.SyncRate = 0
		}
	}
	s.LastSyncTime = now
}

// Summary renders the stats for humans, with runtime measured up to now.
func (s Stats) Summary(now time.Time) string {
	if s.StartTime.IsZero() {
		return "sync not started"
	}

	runtime := now.Sub(s.StartTime).Truncate(time.Second)
	return fmt.Sprintf(
		"runtime: %s\npackets sent: %d\ndata sent: %s\nsync rate: %.2f Hz\nskipped: %d\nerrors: %d",
		runtime, s.PacketsSent, FormatBytes(s.BytesSent), s.SyncRate, s.Skipped, s.Errors,
	)
}

// FormatBytes renders a byte count with a binary unit, e.g. "1.50 KB".
func FormatBytes(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB"} {
		if size < 1024 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f GB", size)
}
