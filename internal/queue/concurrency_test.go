package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/record"
)

// Many workers draining a queue with several mutations per record must
// never hold two claims on one record and must complete each record's
// mutations in enqueue order.
func TestConcurrentDrain_PerRecordOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const records, perRecord = 6, 5
	for i := 0; i < perRecord; i++ {
		for r := 0; r < records; r++ {
			mustEnqueue(t, f.q, update(fmt.Sprintf("r%d", r), record.PriorityNormal))
		}
	}

	var (
		mu       sync.Mutex
		inFlight = make(map[string]bool)
		order    = make(map[string][]int64)
		wg       sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok, err := f.q.DequeueNext(ctx)
				if !assert.NoError(t, err) {
					return
				}
				if !ok {
					if f.q.Len() == 0 {
						return
					}
					continue
				}

				mu.Lock()
				assert.False(t, inFlight[m.RecordID], "record %s claimed twice", m.RecordID)
				inFlight[m.RecordID] = true
				order[m.RecordID] = append(order[m.RecordID], m.Seq)
				mu.Unlock()

				// Release the local marker before the queue claim so a
				// successor cannot be observed while the marker is set.
				mu.Lock()
				inFlight[m.RecordID] = false
				mu.Unlock()
				assert.NoError(t, f.q.MarkCompleted(ctx, m.ID))
			}
		}()
	}
	wg.Wait()

	require.Len(t, order, records)
	for id, seqs := range order {
		assert.Len(t, seqs, perRecord, "record %s", id)
		assert.IsIncreasing(t, seqs, "record %s drained out of order", id)
	}
}
