package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-tier/capacity"
	"ltfs-tier/catalog"
	"ltfs-tier/notify"
	"ltfs-tier/remote"
	"ltfs-tier/tapehardware"
	"ltfs-tier/transfer"
	"ltfs-tier/utils"
)

const mb = int64(1) << 20

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) byAudience(a notify.Audience) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Audience == a {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	uploads []UploadJob
}

func (q *fakeQueue) EnqueueUpload(_ context.Context, job UploadJob) error {
	q.uploads = append(q.uploads, job)
	return nil
}

// waitingRefresher lets a test wait for the background usage refreshes.
type waitingRefresher struct {
	r    *capacity.Refresher
	done []<-chan struct{}
}

func (w *waitingRefresher) RefreshAsync(tapeID string) <-chan struct{} {
	ch := w.r.RefreshAsync(tapeID)
	w.done = append(w.done, ch)
	return ch
}

func (w *waitingRefresher) wait() {
	for _, ch := range w.done {
		<-ch
	}
}

type remoteOnly struct{}

func (remoteOnly) Fetch(context.Context, remote.Endpoint, string) error {
	return os.ErrDeadlineExceeded
}

func (remoteOnly) Push(context.Context, string, remote.Endpoint) error {
	return os.ErrDeadlineExceeded
}

type harness struct {
	env   *Env
	store *catalog.SQLiteStore
	sim   *tapehardware.Simulator
	notes *recorder
	queue *fakeQueue
	usage *waitingRefresher
	dir   string
}

// newHarness builds the whole stack over a simulated library. tapes maps
// each volume tag of group "physics" to its recorded available size.
func newHarness(t *testing.T, tapes map[string]string) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := catalog.OpenSQLite(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var tags []string
	for tag, available := range tapes {
		tags = append(tags, tag)
		require.NoError(t, store.SaveTape(ctx, &catalog.TapeRecord{TapeID: tag, GroupName: "physics", TotalSize: "1.00G", AvailableSize: available}))
	}
	require.NoError(t, tapehardware.CreateSimulatedTapes(filepath.Join(dir, "tapes"), tags))
	mountPoint := filepath.Join(dir, "ltfs")
	sim, err := tapehardware.NewSimulator(filepath.Join(dir, "tapes"), mountPoint, 1<<30)
	require.NoError(t, err)
	controller := tapehardware.NewController(
		tapehardware.NewRealTapeLibrary("/dev/sim0", tapehardware.TapeDriveDevice{MountPoint: mountPoint}, sim),
		tapehardware.ZeroSettlePolicy())

	verifier := transfer.NewVerifier(false)
	h := &harness{
		store: store,
		sim:   sim,
		notes: &recorder{},
		queue: &fakeQueue{},
		usage: &waitingRefresher{r: capacity.NewRefresher(store, controller)},
		dir:   dir,
	}
	h.env = &Env{
		Store:     store,
		Device:    controller,
		Space:     capacity.NewAllocator(store, nil),
		Usage:     h.usage,
		Copier:    verifier,
		Transport: remote.NewTransport(remote.NewLocalCopier(transfer.NewVerifier(true)), remoteOnly{}),
		Hosts:     store,
		Notifier:  h.notes,
		Queue:     h.queue,
		CacheRoot: filepath.Join(dir, "cache"),
	}
	return h
}

func (h *harness) writeSource(t *testing.T, rel string, size int64) string {
	t.Helper()
	path := filepath.Join(h.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func uploadJob(source, label string) UploadJob {
	return UploadJob{
		FileID:        "f1",
		FileName:      "run42.h5",
		FileSizeLabel: label,
		UserName:      "ana",
		UserEmail:     "ana@example.org",
		GroupName:     "physics",
		SourcePath:    source,
		RequestedAt:   time.Date(2026, 3, 7, 23, 30, 0, 0, time.Local),
	}
}

func TestUploadThenDownload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	source := h.writeSource(t, "cache/physics/ana/run42.h5", 100*mb)

	result := NewUpload(h.env).Run(ctx, uploadJob(source, "100.00 MB"))
	require.True(t, result.OK(), "%v", result.Err)
	h.usage.wait()

	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadCompleted, rec.Status)
	assert.Equal(t, "T00001", rec.TapeID)
	assert.Equal(t, filepath.Join(h.dir, "ltfs", "physics", "ana", "2026", "03", "07", "run42.h5"), rec.TapeLocation)
	assert.Equal(t, source, rec.CacheLocation)

	tape, err := h.store.GetTape(ctx, "T00001")
	require.NoError(t, err)
	assert.Equal(t, "100.00M", tape.UsedSize)
	assert.InDelta(t, 9.77, tape.UsagePercentage, 0.01)

	userEvents := h.notes.byAudience(notify.User)
	require.Len(t, userEvents, 1)
	assert.Equal(t, "completed", userEvents[0].Status)
	assert.Equal(t, "T00001", userEvents[0].TapeID)

	// the cache copy is gone, the restore has to come from tape
	require.NoError(t, os.Remove(source))
	require.NoError(t, h.store.SaveDownloadRequest(ctx, &catalog.DownloadRequest{
		RequestID: "r1", FileID: "f1", FileName: "run42.h5", UserName: "ana", GroupName: "physics",
	}))
	result = NewDownload(h.env).Run(ctx, DownloadJob{
		RequestID: "r1", FileID: "f1", FileName: "run42.h5", UserName: "ana", UserEmail: "ana@example.org",
		GroupName: "physics", TapeID: rec.TapeID, TapeLocation: rec.TapeLocation,
	})
	require.True(t, result.OK(), "%v", result.Err)

	info, err := os.Stat(filepath.Join(h.dir, "cache", "physics", "ana", "run42.h5"))
	require.NoError(t, err)
	assert.Equal(t, 100*mb, info.Size())

	req, err := h.store.GetDownloadRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, catalog.RequestCompleted, req.Status)
	assert.Equal(t, catalog.ServedFromTape, req.ServedFrom)
	rec, err = h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, rec.IsCached)

	assert.Equal(t, 1, h.sim.Count("load"), "the tape stayed mounted between jobs")
	assert.Equal(t, 1, h.sim.Count("ltfs"))
}

func TestUploadSameNameSameDayKeepsEarlierArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})

	first := filepath.Join(h.dir, "cache", "a", "results")
	h.writeSource(t, "cache/a/results/part1.bin", 3*mb)
	h.writeSource(t, "cache/a/results/part2.bin", 2*mb)
	job1 := uploadJob(first, "5.00 MB")
	job1.FileName = "results"
	require.True(t, NewUpload(h.env).Run(ctx, job1).OK())
	h.usage.wait()

	second := filepath.Join(h.dir, "cache", "b", "results")
	h.writeSource(t, "cache/b/results/part1.bin", mb)
	job2 := uploadJob(second, "1.00 MB")
	job2.FileID, job2.FileName = "f2", "results"
	result := NewUpload(h.env).Run(ctx, job2)
	require.True(t, result.OK(), "%v", result.Err)
	h.usage.wait()

	day := filepath.Join(h.dir, "ltfs", "physics", "ana", "2026", "03", "07")
	rec1, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	rec2, err := h.store.GetUpload(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(day, "results"), rec1.TapeLocation)
	assert.Equal(t, filepath.Join(day, "results.f2"), rec2.TapeLocation)

	size, err := transfer.TreeSize(rec1.TapeLocation)
	require.NoError(t, err)
	assert.Equal(t, 5*mb, size)
	size, err = transfer.TreeSize(rec2.TapeLocation)
	require.NoError(t, err)
	assert.Equal(t, mb, size)

	// an extension keeps its place after the file id
	job3 := uploadJob(h.writeSource(t, "cache/c/run42.h5", mb), "1.00 MB")
	job3.FileID = "f3"
	require.True(t, NewUpload(h.env).Run(ctx, job3).OK())
	h.usage.wait()
	job4 := uploadJob(h.writeSource(t, "cache/d/run42.h5", 2*mb), "2.00 MB")
	job4.FileID = "f4"
	require.True(t, NewUpload(h.env).Run(ctx, job4).OK())
	h.usage.wait()
	rec4, err := h.store.GetUpload(ctx, "f4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(day, "run42.f4.h5"), rec4.TapeLocation)
	info, err := os.Stat(filepath.Join(day, "run42.h5"))
	require.NoError(t, err)
	assert.Equal(t, mb, info.Size())
}

func TestUploadRejectsDeclaredSizeMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	source := h.writeSource(t, "cache/physics/ana/run42.h5", 100*mb)

	result := NewUpload(h.env).Run(ctx, uploadJob(source, "102 MB"))
	assert.Equal(t, PermanentFailure, result.Outcome)
	assert.False(t, result.Retry())

	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadFailed, rec.Status)
	assert.Contains(t, rec.Error, "validation")
	assert.Len(t, h.notes.byAudience(notify.User), 1)
	assert.Len(t, h.notes.byAudience(notify.Admin), 1)
	assert.Equal(t, 0, h.sim.Count("load"))

	// within one percent is fine
	h2 := newHarness(t, map[string]string{"T00001": "1.00G"})
	source = h2.writeSource(t, "cache/physics/ana/run42.h5", 100*mb)
	assert.True(t, NewUpload(h2.env).Run(ctx, uploadJob(source, "100.9 MB")).OK())
}

func TestUploadWithoutSpaceFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00M", "T00002": "512K"})
	source := h.writeSource(t, "cache/physics/ana/run42.h5", 2*mb)

	result := NewUpload(h.env).Run(ctx, uploadJob(source, "2.00 MB"))
	assert.Equal(t, PermanentFailure, result.Outcome)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "T00001: 1.00M")
	assert.Contains(t, result.Err.Error(), "T00002: 512K")

	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadFailed, rec.Status)
	admin := h.notes.byAudience(notify.Admin)
	require.Len(t, admin, 1)
	assert.Contains(t, admin[0].Error, "T00001: 1.00M")
	assert.Equal(t, 0, h.sim.Count("load"))
}

func TestUploadHardwareFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	source := h.writeSource(t, "cache/physics/ana/run42.h5", mb)
	h.sim.FailLoads = 1

	upload := NewUpload(h.env)
	result := upload.Run(ctx, uploadJob(source, "1 MB"))
	assert.Equal(t, TransientFailure, result.Outcome)
	assert.True(t, result.Retry())

	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadProcessing, rec.Status, "a retryable failure is not terminal")
	assert.Contains(t, rec.Error, "hardware")
	assert.Empty(t, h.notes.byAudience(notify.User))

	result = upload.Run(ctx, uploadJob(source, "1 MB"))
	require.True(t, result.OK(), "%v", result.Err)
	h.usage.wait()

	// a second delivery of the same job changes nothing
	assert.True(t, upload.Run(ctx, uploadJob(source, "1 MB")).OK())
	assert.Equal(t, 2, h.sim.Count("load"))
}

func TestAbandonMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	source := h.writeSource(t, "cache/physics/ana/run42.h5", mb)
	h.sim.FailLoads = 1
	upload := NewUpload(h.env)
	job := uploadJob(source, "1 MB")

	result := upload.Run(ctx, job)
	require.True(t, result.Retry())
	upload.Abandon(ctx, job, result.Err, true)

	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadFailed, rec.Status)
	admin := h.notes.byAudience(notify.Admin)
	require.Len(t, admin, 1)
	assert.True(t, admin[0].Critical)

	// a failed record is not picked up again
	assert.Equal(t, PermanentFailure, upload.Run(ctx, job).Outcome)
	assert.Len(t, h.notes.byAudience(notify.Admin), 1)
}

func TestDownloadMissingLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	require.NoError(t, h.store.SaveUpload(ctx, &catalog.UploadRecord{
		FileID: "f1", FileName: "run42.h5", UserName: "ana", GroupName: "physics", Status: catalog.UploadCompleted,
		TapeID: "T00001", TapeLocation: filepath.Join(h.dir, "ltfs", "physics", "ana", "2026", "03", "07", "run42.h5"),
	}))

	result := NewDownload(h.env).Run(ctx, DownloadJob{
		RequestID: "r1", FileID: "f1", FileName: "run42.h5", UserName: "ana", UserEmail: "ana@example.org", GroupName: "physics",
	})
	assert.Equal(t, PermanentFailure, result.Outcome)

	req, err := h.store.GetDownloadRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, catalog.RequestFailed, req.Status)
	assert.Len(t, h.notes.byAudience(notify.User), 1)
	assert.Equal(t, 1, h.sim.Count("load"), "the tape was mounted before the location was checked")
}

func TestDownloadServedFromCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	cached := h.writeSource(t, "cache/physics/ana/run42.h5", mb)
	require.NoError(t, h.store.SaveUpload(ctx, &catalog.UploadRecord{
		FileID: "f1", FileName: "run42.h5", UserName: "ana", GroupName: "physics", Status: catalog.UploadCompleted,
		TapeID: "T00001", TapeLocation: "/nowhere", CacheLocation: cached, IsCached: true,
	}))

	result := NewDownload(h.env).Run(ctx, DownloadJob{RequestID: "r1", FileID: "f1", FileName: "run42.h5", UserName: "ana", GroupName: "physics"})
	require.True(t, result.OK(), "%v", result.Err)
	req, err := h.store.GetDownloadRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, catalog.ServedFromCache, req.ServedFrom)
	assert.Equal(t, 0, h.sim.Count("load"))
}

func TestSecureCopyUploadQueuesUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	require.NoError(t, h.store.SaveHost(ctx, catalog.Host{GroupName: "physics", Alias: "daq", Address: "localhost"}))
	remoteFile := h.writeSource(t, "daq/data/run42.h5", 3*mb)

	result := NewSecureCopyUpload(h.env).Run(ctx, SecureCopyUploadJob{
		FileID: "f1", FileName: "run42.h5", UserName: "ana", UserEmail: "ana@example.org", GroupName: "physics",
		RemoteHost: "daq", RemoteUser: "ana", RemotePath: remoteFile, IsPriority: true,
	})
	require.True(t, result.OK(), "%v", result.Err)

	require.Len(t, h.queue.uploads, 1)
	queued := h.queue.uploads[0]
	assert.Equal(t, "3.00 MB", queued.FileSizeLabel)
	assert.Equal(t, filepath.Join(h.dir, "cache", "physics", "ana", "run42.h5"), queued.SourcePath)
	assert.True(t, queued.IsPriority)
	assert.FileExists(t, queued.SourcePath)

	// the queued upload goes through on its own
	require.True(t, NewUpload(h.env).Run(ctx, queued).OK())
	h.usage.wait()
}

func TestSecureCopyUploadFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	require.NoError(t, h.store.SaveHost(ctx, catalog.Host{GroupName: "physics", Alias: "daq", Address: "localhost"}))
	require.NoError(t, h.store.SaveHost(ctx, catalog.Host{GroupName: "physics", Alias: "far", Address: "far.example.org"}))
	scp := NewSecureCopyUpload(h.env)
	job := func(id, host, path string) SecureCopyUploadJob {
		return SecureCopyUploadJob{FileID: id, FileName: "run42.h5", UserName: "ana", UserEmail: "ana@example.org",
			GroupName: "physics", RemoteHost: host, RemoteUser: "ana", RemotePath: path}
	}

	result := scp.Run(ctx, job("f1", "daq", filepath.Join(h.dir, "nowhere.h5")))
	assert.Equal(t, PermanentFailure, result.Outcome)
	var terr *utils.TransferError
	require.ErrorAs(t, result.Err, &terr)
	assert.Equal(t, utils.TransferMissing, terr.Reason)
	rec, err := h.store.GetUpload(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadFailed, rec.Status)

	result = scp.Run(ctx, job("f2", "unknown", "/data/run42.h5"))
	assert.Equal(t, PermanentFailure, result.Outcome)

	result = scp.Run(ctx, job("f3", "far", "/data/run42.h5"))
	assert.Equal(t, TransientFailure, result.Outcome)
	rec, err = h.store.GetUpload(ctx, "f3")
	require.NoError(t, err)
	assert.Equal(t, catalog.UploadQueueing, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Empty(t, h.queue.uploads)
}

func TestSecureCopyDownloadPushesToDirectory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"T00001": "1.00G"})
	require.NoError(t, h.store.SaveHost(ctx, catalog.Host{GroupName: "physics", Alias: "daq", Address: "127.0.0.1"}))
	source := h.writeSource(t, "cache/physics/ana/run42.h5", 5*mb)
	require.True(t, NewUpload(h.env).Run(ctx, uploadJob(source, "5 MB")).OK())
	h.usage.wait()
	require.NoError(t, os.Remove(source))

	destDir := filepath.Join(h.dir, "daq", "incoming")
	result := NewSecureCopyDownload(h.env).Run(ctx, SecureCopyDownloadJob{
		DownloadRequestID: "r1", FileID: "f1", FileName: "run42.h5", UserName: "ana", UserEmail: "ana@example.org",
		GroupName: "physics", RemoteHost: "daq", RemoteUser: "ana", RemotePath: destDir,
	})
	require.True(t, result.OK(), "%v", result.Err)

	info, err := os.Stat(filepath.Join(destDir, "run42.h5"))
	require.NoError(t, err)
	assert.Equal(t, 5*mb, info.Size())
	req, err := h.store.GetDownloadRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, catalog.RequestCompleted, req.Status)
	assert.Equal(t, catalog.ServedFromTape, req.ServedFrom)

	result = NewSecureCopyDownload(h.env).Run(ctx, SecureCopyDownloadJob{
		DownloadRequestID: "r2", FileID: "missing", FileName: "x.h5", UserName: "ana", GroupName: "physics",
		RemoteHost: "daq", RemotePath: destDir,
	})
	assert.Equal(t, PermanentFailure, result.Outcome)
}
