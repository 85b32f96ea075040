package fanout

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/coderelay/coderelay/internal/store"
)

// Cursor-split property: a subscriber that disconnects at an arbitrary
// cursor and resubscribes there sees every event exactly once, in
// order, with no duplicates across the split.
func TestCursorSplitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("split subscription is lossless and dedup-free", prop.ForAll(
		func(n int, splitAt int) bool {
			if splitAt >= n {
				splitAt = n - 1
			}

			db, err := store.OpenDB(":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			if err := store.Migrate(db); err != nil {
				return false
			}
			r := NewRegistry(store.New(db, 1000), 256)
			ctx := context.Background()

			for i := 0; i < n; i++ {
				if _, err := r.Append(ctx, delta("job_s", i), ""); err != nil {
					return false
				}
			}

			var seqs []int64

			sub, err := r.Subscribe(ctx, "job_s", -1)
			if err != nil {
				return false
			}
			for len(seqs) <= splitAt {
				ev := <-sub.Events()
				seqs = append(seqs, ev.Seq)
			}
			r.Unsubscribe(sub)

			sub2, err := r.Subscribe(ctx, "job_s", seqs[len(seqs)-1])
			if err != nil {
				return false
			}
			defer r.Unsubscribe(sub2)
			for len(seqs) < n {
				ev := <-sub2.Events()
				seqs = append(seqs, ev.Seq)
			}

			for i, seq := range seqs {
				if seq != int64(i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 80),
		gen.IntRange(0, 79),
	))

	properties.TestingRun(t)
}
