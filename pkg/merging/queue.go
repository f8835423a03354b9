package merging

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// workQueue splits one call's duplicates into the prefix merged now and the
// remainder left for a later pass. Both halves keep oldest-first order.
type workQueue struct {
	immediate []models.Contact
	deferred  []models.Contact
}

func newWorkQueue(duplicates []models.Contact, immediateCap int) workQueue {
	ordered := append([]models.Contact(nil), duplicates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})

	if immediateCap < 0 {
		immediateCap = 0
	}
	if len(ordered) <= immediateCap {
		return workQueue{immediate: ordered}
	}
	return workQueue{
		immediate: ordered[:immediateCap],
		deferred:  ordered[immediateCap:],
	}
}

func (q workQueue) deferredIDs() []string {
	ids := make([]string, 0, len(q.deferred))
	for _, d := range q.deferred {
		ids = append(ids, d.ID)
	}
	return ids
}
