package reconciler

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/optimistic"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferSource struct {
	name string
	*optimistic.Buffer
}

func (b bufferSource) Collection() string { return b.name }

func TestSweepReportsOverdueWithoutRollback(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	incidents := bufferSource{"incidents", optimistic.NewBuffer(10 * time.Second)}
	incidents.Apply(types.OptimisticEdit{RecordID: "old", Kind: types.EditUpdate, SubmittedAt: now.Add(-time.Minute)})
	incidents.Apply(types.OptimisticEdit{RecordID: "new", Kind: types.EditCreate, SubmittedAt: now.Add(-time.Second)})

	glossary := bufferSource{"glossary", optimistic.NewBuffer(10 * time.Second)}
	glossary.Apply(types.OptimisticEdit{RecordID: "g1", Kind: types.EditDelete, SubmittedAt: now.Add(-20 * time.Second)})

	r := NewReconciler(time.Second, zerolog.Nop())
	r.now = func() time.Time { return now }
	r.Register(incidents)
	unregister := r.Register(glossary)

	report := r.Sweep()
	assert.Equal(t, 3, report.Pending)
	require.Len(t, report.Overdue, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.EditsPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EditsOverdue))

	// reporting never removes edits
	assert.Equal(t, 2, incidents.Len())
	assert.Equal(t, 1, glossary.Len())

	unregister()
	report = r.Sweep()
	assert.Equal(t, 2, report.Pending)
	require.Len(t, report.Overdue, 1)
	assert.Equal(t, "incidents", report.Overdue[0].Collection)
	assert.Equal(t, "old", report.Overdue[0].Edit.RecordID)
	assert.Equal(t, time.Minute, report.Overdue[0].Age)
}

func TestStartStop(t *testing.T) {
	buf := bufferSource{"projects", optimistic.NewBuffer(time.Millisecond)}
	buf.Apply(types.OptimisticEdit{RecordID: "p1", Kind: types.EditUpdate, SubmittedAt: time.Now().Add(-time.Second)})

	r := NewReconciler(10*time.Millisecond, zerolog.Nop())
	r.Register(buf)
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EditsOverdue) >= 1
	}, time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}
