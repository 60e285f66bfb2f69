package orchestrator

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcrun/hpcrun/internal/events"
	"github.com/hpcrun/hpcrun/internal/ledger"
	"github.com/hpcrun/hpcrun/internal/models"
	"github.com/hpcrun/hpcrun/internal/pathcheck"
	"github.com/hpcrun/hpcrun/internal/recipe"
	"github.com/hpcrun/hpcrun/internal/script"
	"github.com/hpcrun/hpcrun/internal/sshconn"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeRemote records every operation and lets tests script command
// responses by substring match.
type fakeRemote struct {
	ops      []string
	runFn    func(cmd string) (*sshconn.Result, error)
	treeFn   func(remoteDir, localDir string) error
	uploaded map[string][]byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{uploaded: make(map[string][]byte)}
}

func (f *fakeRemote) Run(cmd string, timeout time.Duration) (*sshconn.Result, error) {
	f.ops = append(f.ops, "run: "+cmd)
	if f.runFn != nil {
		return f.runFn(cmd)
	}
	return &sshconn.Result{}, nil
}

func (f *fakeRemote) RunChecked(cmd string, timeout time.Duration) (*sshconn.Result, error) {
	res, err := f.Run(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &sshconn.CommandError{Cmd: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func (f *fakeRemote) Upload(localPath, remotePath string) error {
	f.ops = append(f.ops, "upload: "+remotePath)
	f.uploaded[remotePath] = nil
	return nil
}

func (f *fakeRemote) UploadBytes(data []byte, remotePath string) error {
	f.ops = append(f.ops, "upload-bytes: "+remotePath)
	f.uploaded[remotePath] = data
	return nil
}

func (f *fakeRemote) DownloadTree(remoteDir, localDir string) error {
	f.ops = append(f.ops, "download-tree: "+remoteDir)
	if f.treeFn != nil {
		return f.treeFn(remoteDir, localDir)
	}
	return nil
}

type testEnv struct {
	orch     *Orchestrator
	store    *ledger.Store
	recorder *events.Recorder
	remote   *fakeRemote
	paths    script.ClusterPaths
	results  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init())
	t.Cleanup(func() { store.Close() })

	recorder := events.New(store)
	t.Cleanup(recorder.Close)

	remote := newFakeRemote()
	paths := script.NewClusterPaths("/scratch.hpc", "alice")
	results := t.TempDir()

	return &testEnv{
		orch:     New(remote, store, recorder, paths, results),
		store:    store,
		recorder: recorder,
		remote:   remote,
		paths:    paths,
		results:  results,
	}
}

func okSubmit(cmd string) (*sshconn.Result, error) {
	if strings.Contains(cmd, "sbatch") {
		return &sshconn.Result{Stdout: "Submitted batch job 987654\n"}, nil
	}
	return &sshconn.Result{}, nil
}

func submitReq() SubmitRequest {
	return SubmitRequest{
		Name:       "solver",
		SourceFile: "/home/alice/solver.c",
		InputFiles: []string{"/home/alice/data.csv"},
		Resources: models.ResourceRequest{
			Partition: "compute", CPUs: 4, Memory: "16G", TimeLimit: "02:00:00",
		},
	}
}

func TestJobIDsStrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1714000000000)
	g := &idGenerator{now: func() time.Time { return fixed }}

	var prev string
	for i := 0; i < 100; i++ {
		id := g.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
	assert.Equal(t, "job_1714000000099", prev)
}

func TestSubmitSequence(t *testing.T) {
	env := newTestEnv(t)
	env.remote.runFn = okSubmit

	job, err := env.orch.Submit(submitReq())
	require.NoError(t, err)

	assert.Equal(t, "987654", job.SchedulerID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, env.paths.JobDir(job.ID), job.RemoteDir)

	// strict order: mkdir, primary upload, input upload, script, sbatch
	require.Len(t, env.remote.ops, 5)
	assert.Contains(t, env.remote.ops[0], "mkdir -p")
	assert.Equal(t, "upload: "+job.RemoteDir+"/solver.c", env.remote.ops[1])
	assert.Equal(t, "upload: "+job.RemoteDir+"/data.csv", env.remote.ops[2])
	assert.Equal(t, "upload-bytes: "+job.RemoteDir+"/job.sbatch", env.remote.ops[3])
	assert.Contains(t, env.remote.ops[4], "sbatch")

	// the uploaded script is the real generated document
	text := string(env.remote.uploaded[job.RemoteDir+"/job.sbatch"])
	assert.Contains(t, text, "#SBATCH --cpus-per-task=4")
	assert.Contains(t, text, "gcc")

	stored, err := env.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "987654", stored.SchedulerID)
}

func TestSubmitValidatesBeforeRemoteInteraction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Submit(SubmitRequest{
		SourceFile: "/home/alice/train.py", // python requires a venv
		Resources:  models.ResourceRequest{Partition: "compute", CPUs: 1, Memory: "4G", TimeLimit: "01:00:00"},
	})
	require.Error(t, err)
	var ve *recipe.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, env.remote.ops, "validation failures must precede any remote call")

	_, err = env.orch.Submit(SubmitRequest{SourceFile: "/home/alice/notes.txt"})
	var uk *recipe.UnsupportedFileKindError
	assert.ErrorAs(t, err, &uk)
	assert.Empty(t, env.remote.ops)
}

func TestSubmitFailureLeavesLedgerEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		if strings.Contains(cmd, "sbatch") {
			return &sshconn.Result{ExitCode: 1, Stderr: "sbatch: error: invalid partition"}, nil
		}
		return &sshconn.Result{}, nil
	}

	_, err := env.orch.Submit(submitReq())
	require.Error(t, err)

	jobs, err := env.store.Jobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitWithoutSchedulerIDStillRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		if strings.Contains(cmd, "sbatch") {
			return &sshconn.Result{Stdout: "some unexpected banner\n"}, nil
		}
		return &sshconn.Result{}, nil
	}

	job, err := env.orch.Submit(submitReq())
	require.NoError(t, err)
	assert.Empty(t, job.SchedulerID)

	stored, err := env.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

// seed puts a job into the ledger directly, bypassing submission.
func (env *testEnv) seed(t *testing.T, id, schedulerID string, status models.JobStatus) models.Job {
	t.Helper()
	job := models.Job{
		ID:          id,
		Name:        id,
		SourceFile:  "/home/alice/solver.c",
		Resources:   models.ResourceRequest{Partition: "compute", CPUs: 1, Memory: "4G", TimeLimit: "01:00:00"},
		RemoteDir:   env.paths.JobDir(id),
		SchedulerID: schedulerID,
		Status:      status,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, env.store.Append(job))
	return job
}

func TestPollPass(t *testing.T) {
	env := newTestEnv(t)
	running := env.seed(t, "job_1714000000001", "100", models.StatusPending)
	finished := env.seed(t, "job_1714000000002", "200", models.StatusPending)
	broken := env.seed(t, "job_1714000000003", "300", models.StatusPending)
	done := env.seed(t, "job_1714000000004", "400", models.StatusCompleted)

	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		switch {
		case strings.Contains(cmd, "squeue -j 100"):
			return &sshconn.Result{Stdout: "RUNNING\n"}, nil
		case strings.Contains(cmd, "squeue -j 200"):
			return &sshconn.Result{Stdout: ""}, nil
		case strings.Contains(cmd, "squeue -j 300"):
			return nil, &sshconn.CommandTimeoutError{Cmd: cmd, Timeout: time.Minute}
		case strings.Contains(cmd, finished.ID+"/status.json"):
			return &sshconn.Result{Stdout: `{"job_id":"job_1714000000002","status":"COMPLETED","exit_code":0,"hostname":"node042"}`}, nil
		}
		return &sshconn.Result{ExitCode: 1}, nil
	}

	jobs, err := env.orch.Poll()
	require.NoError(t, err)

	byID := make(map[string]models.Job)
	for _, j := range jobs {
		byID[j.ID] = j
	}

	assert.Equal(t, models.StatusRunning, byID[running.ID].Status)
	assert.Equal(t, models.StatusCompleted, byID[finished.ID].Status)
	require.NotNil(t, byID[finished.ID].Snapshot)
	assert.Equal(t, "node042", byID[finished.ID].Snapshot.Hostname)

	// one job's failure degrades only that job
	assert.Equal(t, models.StatusUnknown, byID[broken.ID].Status)

	// terminal jobs are not polled at all
	assert.Equal(t, models.StatusCompleted, byID[done.ID].Status)
	for _, op := range env.remote.ops {
		assert.NotContains(t, op, "squeue -j 400")
	}

	// changes were persisted
	stored, err := env.store.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestPollMissingMetadataIsUnknown(t *testing.T) {
	env := newTestEnv(t)
	job := env.seed(t, "job_1714000000001", "100", models.StatusPending)

	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		if strings.Contains(cmd, "squeue") {
			return &sshconn.Result{Stdout: ""}, nil // left the queue
		}
		return &sshconn.Result{ExitCode: 1, Stderr: "cat: no such file"}, nil
	}

	jobs, err := env.orch.Poll()
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnknown, jobs[0].Status)

	// UNKNOWN is not terminal: the next pass polls again
	env.remote.ops = nil
	_, err = env.orch.Poll()
	require.NoError(t, err)
	assert.NotEmpty(t, env.remote.ops)
	_ = job
}

func TestPollPlaceholderStatusAssumesCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job_1714000000001", "100", models.StatusPending)

	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		if strings.Contains(cmd, "squeue") {
			return &sshconn.Result{Stdout: ""}, nil
		}
		// the script crashed before variable substitution
		return &sshconn.Result{Stdout: `{"job_id":"job_1714000000001","status":"$JOB_STATUS"}`}, nil
	}

	jobs, err := env.orch.Poll()
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
}

func TestPollJobWithoutSchedulerID(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job_1714000000001", "", models.StatusPending)

	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		require.NotContains(t, cmd, "squeue", "no scheduler id means no queue lookup")
		return &sshconn.Result{Stdout: `{"job_id":"job_1714000000001","status":"FAILED","exit_code":3}`}, nil
	}

	jobs, err := env.orch.Poll()
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
}

func TestFetchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	job := env.seed(t, "job_1714000000001", "100", models.StatusCompleted)

	env.remote.treeFn = func(remoteDir, localDir string) error {
		return os.WriteFile(filepath.Join(localDir, "results.dat"), []byte("42\n"), 0644)
	}

	first, err := env.orch.Fetch(job.ID)
	require.NoError(t, err)
	second, err := env.orch.Fetch(job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(first)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "results.dat", entries[0].Name())
}

func TestFetchUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Fetch("job_0000000000000")
	assert.ErrorIs(t, err, ledger.ErrJobNotFound)
}

func TestCleanupRemovesRemoteDirOnly(t *testing.T) {
	env := newTestEnv(t)
	job := env.seed(t, "job_1714000000001", "100", models.StatusCompleted)

	require.NoError(t, env.orch.Cleanup(job.ID))
	require.Len(t, env.remote.ops, 1)
	assert.Equal(t, fmt.Sprintf("run: rm -rf %q", job.RemoteDir), env.remote.ops[0])

	// the ledger record survives cleanup
	_, err := env.store.Get(job.ID)
	assert.NoError(t, err)
}

func TestCleanupRefusesUnsafePaths(t *testing.T) {
	env := newTestEnv(t)

	// a record whose remote dir escaped the jobs root must never
	// reach the remote side
	bad := models.Job{
		ID:          "job_1714000000009",
		Name:        "bad",
		SourceFile:  "x.c",
		RemoteDir:   env.paths.JobsRoot, // the jobs root itself
		Status:      models.StatusCompleted,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, env.store.Append(bad))

	err := env.orch.Cleanup(bad.ID)
	require.Error(t, err)
	var se *pathcheck.SecurityError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, env.remote.ops)
}

func TestTailLogs(t *testing.T) {
	env := newTestEnv(t)
	job := env.seed(t, "job_1714000000001", "100", models.StatusRunning)

	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		assert.Contains(t, cmd, "tail -n 20")
		assert.Contains(t, cmd, "slurm-100.out")
		return &sshconn.Result{Stdout: "epoch 3: loss 0.02\n"}, nil
	}

	out, err := env.orch.TailLogs(job.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, "epoch 3: loss 0.02\n", out)
}

func TestRemoveDeletesLedgerRecord(t *testing.T) {
	env := newTestEnv(t)
	job := env.seed(t, "job_1714000000001", "100", models.StatusCompleted)

	require.NoError(t, env.orch.Remove(job.ID))
	_, err := env.store.Get(job.ID)
	assert.ErrorIs(t, err, ledger.ErrJobNotFound)
	assert.Empty(t, env.remote.ops, "removal is local only")
}

func TestActiveAndCompletedViews(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job_1714000000001", "100", models.StatusPending)
	env.seed(t, "job_1714000000002", "200", models.StatusCompleted)
	env.seed(t, "job_1714000000003", "300", models.StatusFailed)
	env.seed(t, "job_1714000000004", "400", models.StatusUnknown)

	active, err := env.orch.Active()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "job_1714000000001", active[0].ID)
	assert.Equal(t, "job_1714000000004", active[1].ID)

	// Completed polls first; keep the non-terminal jobs unresolved
	env.remote.runFn = func(cmd string) (*sshconn.Result, error) {
		if strings.Contains(cmd, "squeue") {
			return &sshconn.Result{Stdout: "PENDING\n"}, nil
		}
		return &sshconn.Result{ExitCode: 1}, nil
	}
	done, err := env.orch.Completed()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "job_1714000000002", done[0].ID)
}
