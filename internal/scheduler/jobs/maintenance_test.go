package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/logger"
)

func TestStaleRunReaperJob(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	spec := &contracts.JobSpec{Metadata: contracts.Metadata{Owner: "x"}}

	require.NoError(t, repo.Create(ctx, "old", spec, "h"))
	require.NoError(t, repo.Create(ctx, "done", spec, "h"))
	require.NoError(t, repo.Save(ctx, "done", &contracts.Outcome{JobID: "done", State: contracts.StateDone}))

	job := NewStaleRunReaperJob(repo, "0 */5 * * * *", time.Hour, logger.Nop())
	assert.Equal(t, "stale_run_reaper", job.Name())
	assert.Equal(t, "0 */5 * * * *", job.Schedule())

	// threshold in the past: nothing is stale yet
	require.NoError(t, job.Run(ctx))
	run, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusStarted, run.Status)

	// two hours later
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, job.Run(ctx))

	run, err = repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusFailed, run.Status)
	assert.Equal(t, StaleReason, run.Reason)

	run, err = repo.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusCompleted, run.Status)
}

type fakeQueue struct {
	depth int64
	err   error
}

func (q fakeQueue) Name() string                         { return "bt:jobs" }
func (q fakeQueue) Depth(context.Context) (int64, error) { return q.depth, q.err }

type fakeRecorder map[string]int64

func (r fakeRecorder) SetQueueDepth(queue string, depth int64) { r[queue] = depth }

func TestQueueDepthJob(t *testing.T) {
	rec := fakeRecorder{}
	require.NoError(t, NewQueueDepthJob(fakeQueue{depth: 4}, rec).Run(context.Background()))
	assert.Equal(t, int64(4), rec["bt:jobs"])

	err := NewQueueDepthJob(fakeQueue{err: errors.New("down")}, rec).Run(context.Background())
	assert.Error(t, err)
}
