package supervisor

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"
)

const bytesPerGB = 1 << 30

// directorySizeGB sums the size of every regular file under root, used to
// evaluate disk_pressure against the supervisor's own state directory
// rather than the whole filesystem.
func directorySizeGB(root string) (float64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(total) / bytesPerGB, nil
}

// buildToolLastSeen returns the most recent tool_stats bucket window per
// tool, the signal unused_tool needs. veryOld is a fixed floor far enough in
// the past that it includes every bucket the store has ever recorded.
func (s *Supervisor) buildToolLastSeen(ctx context.Context) (map[string]time.Time, error) {
	veryOld := time.Unix(0, 0).UTC()

	names, err := s.store.DistinctToolNames(ctx, veryOld)
	if err != nil {
		return nil, err
	}

	lastSeen := make(map[string]time.Time, len(names))
	for _, name := range names {
		buckets, err := s.store.ToolStats(ctx, name, veryOld)
		if err != nil {
			return nil, err
		}
		var latest time.Time
		for _, b := range buckets {
			if b.WindowStart.After(latest) {
				latest = b.WindowStart
			}
		}
		lastSeen[name] = latest
	}
	return lastSeen, nil
}
