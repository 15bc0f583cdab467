package manager

import (
	"sort"

	"github.com/italolelis/premium_downloader/internal/storage"
)

// Plan picks which queued downloads to promote to ACTIVE. With active downloads
// already running under limit, it returns the earliest created entries of queued,
// ties broken by id, never more than limit-active of them. Plan does not touch
// its input.
func Plan(active, limit int, queued []storage.Download) []storage.Download {
	free := limit - active
	if free <= 0 || len(queued) == 0 {
		return nil
	}

	ordered := make([]storage.Download, len(queued))
	copy(ordered, queued)

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}

		return ordered[i].ID < ordered[j].ID
	})

	if free > len(ordered) {
		free = len(ordered)
	}

	return ordered[:free]
}
