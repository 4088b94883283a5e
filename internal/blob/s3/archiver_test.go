package s3blob_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/lpkeeper/internal/blob/s3"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/store/sqlite"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	// truncate simulates a provider that stores fewer bytes than sent.
	truncate bool
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.truncate && len(b) > 0 {
		b = b[:len(b)-1]
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Stat(_ context.Context, path string) (domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return domain.BlobInfo{}, domain.ErrNotFound
	}
	return domain.BlobInfo{Path: path, Size: int64(len(b))}, nil
}

func openRepo(t *testing.T) domain.Repository {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.Repository()
}

func seedJobs(t *testing.T, repo domain.Repository, created time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"done", "gave-up", "retrying", "pending"} {
		_, err := repo.Jobs.Insert(ctx, domain.Job{
			ID: id, Type: domain.JobTypeRebalance, Trigger: domain.TriggerRangeExit,
			PositionID: "pos-" + id, Priority: 7, MaxRetries: 1, CreatedAt: created,
		})
		require.NoError(t, err)
	}
	now := time.Now()
	claim := func(id string) {
		require.NoError(t, repo.Jobs.Transition(ctx, id, domain.JobTransition{
			From: domain.JobStatusPending, To: domain.JobStatusProcessing, StartedAt: &now,
		}))
	}
	claim("done")
	require.NoError(t, repo.Jobs.Transition(ctx, "done", domain.JobTransition{
		From: domain.JobStatusProcessing, To: domain.JobStatusCompleted, CompletedAt: &now,
		Result: domain.RebalanceResult{BinSetID: "set-1", BinCount: 69, DryRun: true},
	}))
	claim("gave-up")
	msg := "adapter down"
	require.NoError(t, repo.Jobs.Transition(ctx, "gave-up", domain.JobTransition{
		From: domain.JobStatusProcessing, To: domain.JobStatusFailed, CompletedAt: &now,
		ErrorMessage: &msg, IncrementRetry: true,
	}))
}

func TestArchiver_ArchiveJobs(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	seedJobs(t, repo, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))

	blobs := newMemBlobs()
	a := s3blob.NewArchiver(blobs, blobs, repo.Jobs, repo.Rebalances, repo.Audit)

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveJobs(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := blobs.objects["archive/keeper_jobs/2026-02.jsonl"]
	require.True(t, ok)

	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	ids := []any{lines[0]["id"], lines[1]["id"]}
	assert.ElementsMatch(t, []any{"done", "gave-up"}, ids)
	for _, l := range lines {
		if l["id"] == "done" {
			result := l["result"].(map[string]any)
			assert.Equal(t, "set-1", result["bin_set_id"])
		}
	}

	entries, err := repo.Audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.keeper_jobs", entries[0].Event)
	assert.Equal(t, "archive/keeper_jobs/2026-02.jsonl", entries[0].Detail["path"])

	// History stays in the store.
	_, err = repo.Jobs.GetByID(ctx, "done")
	assert.NoError(t, err)
}

func TestArchiver_NothingToArchive(t *testing.T) {
	repo := openRepo(t)
	blobs := newMemBlobs()
	a := s3blob.NewArchiver(blobs, blobs, repo.Jobs, repo.Rebalances, repo.Audit)

	n, err := a.ArchiveJobs(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiver_ArchiveRebalancesKeepsDecimals(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	require.NoError(t, repo.Rebalances.Insert(ctx, domain.RebalanceRecord{
		ID: "r1", PositionID: "pos-1", StrategyID: "s1", JobID: "j1",
		OldLower: 0.98, OldUpper: 1.02, OldLiquidity: decimal.RequireFromString("1000.000000001"),
		NewLower: 0.53, NewUpper: 2.12, NewLiquidity: decimal.RequireFromString("999.5"),
		Trigger: domain.TriggerRangeExit, Success: true, CreatedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}))

	blobs := newMemBlobs()
	a := s3blob.NewArchiver(blobs, blobs, repo.Jobs, repo.Rebalances, repo.Audit)
	n, err := a.ArchiveRebalances(ctx, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	body := blobs.objects["archive/rebalance_history/2026-01.jsonl"]
	assert.Contains(t, string(body), `"old_liquidity":"1000.000000001"`)
	assert.Contains(t, string(body), `"trigger":"range_exit"`)
}

func TestArchiver_VerifyRejectsShortUpload(t *testing.T) {
	repo := openRepo(t)
	seedJobs(t, repo, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	blobs := newMemBlobs()
	blobs.truncate = true
	a := s3blob.NewArchiver(blobs, blobs, repo.Jobs, repo.Rebalances, repo.Audit)

	_, err := a.ArchiveJobs(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify")

	entries, err := repo.Audit.List(context.Background(), domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
