package claim

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

func seedJob(t *testing.T, m *store.Memory, id string, stage models.Stage) {
	t.Helper()
	job := &models.Job{ID: id, ChannelID: "ch", Stage: stage}
	require.NoError(t, m.CreateJob(context.Background(), job))
}

func TestClaim(t *testing.T) {
	m := store.NewMemory()
	svc := NewService(m)
	ctx := context.Background()
	seedJob(t, m, "j1", models.StageQueued)

	assert.True(t, svc.Claim(ctx, "j1", models.StageQueued, models.StageScripting))

	// Wrong expected stage: false, job untouched
	assert.False(t, svc.Claim(ctx, "j1", models.StageQueued, models.StageScripting))
	job, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StageScripting, job.Stage)

	// Unknown job: false, not a panic or error
	assert.False(t, svc.Claim(ctx, "ghost", models.StageQueued, models.StageScripting))
}

func TestClaimFromAny(t *testing.T) {
	m := store.NewMemory()
	svc := NewService(m)
	ctx := context.Background()
	seedJob(t, m, "j1", models.StageUploadFailed)

	ok := svc.ClaimFromAny(ctx, "j1",
		[]models.Stage{models.StageCompleted, models.StageUploadFailed, models.StageRetryQueued},
		models.StageUploading)
	assert.True(t, ok)

	job, _ := m.GetJob(ctx, "j1")
	assert.Equal(t, models.StageUploading, job.Stage)
}

// Two workers receive the same event simultaneously: exactly one wins.
func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	m := store.NewMemory()
	svc := NewService(m)
	ctx := context.Background()
	seedJob(t, m, "j1", models.StageAssetsQueued)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Claim(ctx, "j1",
				models.StageAssetsQueued, models.StageAssetsGenerating)
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one claim must win")
}
