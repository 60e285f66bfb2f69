// Package orchestrator is the job lifecycle state machine: it drives a
// submission through upload, script generation, and scheduler handoff,
// polls remote status on demand, retrieves results, and owns every
// mutation of the job ledger.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcrun/hpcrun/internal/events"
	"github.com/hpcrun/hpcrun/internal/ledger"
	"github.com/hpcrun/hpcrun/internal/models"
	"github.com/hpcrun/hpcrun/internal/pathcheck"
	"github.com/hpcrun/hpcrun/internal/recipe"
	"github.com/hpcrun/hpcrun/internal/script"
	"github.com/hpcrun/hpcrun/internal/sshconn"
)

// Remote is the slice of the connection layer the orchestrator needs.
// Implemented by *sshconn.Manager; tests use a fake.
type Remote interface {
	Run(cmd string, timeout time.Duration) (*sshconn.Result, error)
	RunChecked(cmd string, timeout time.Duration) (*sshconn.Result, error)
	Upload(localPath, remotePath string) error
	UploadBytes(data []byte, remotePath string) error
	DownloadTree(remoteDir, localDir string) error
}

// Orchestrator coordinates the remote cluster, the local ledger, and
// the script builder.
type Orchestrator struct {
	remote     Remote
	store      *ledger.Store
	recorder   *events.Recorder
	paths      script.ClusterPaths
	resultsDir string
	ids        *idGenerator
	progress   func(msg string) // opaque progress surface, may be nil
}

type Option func(*Orchestrator)

// WithProgress installs a coarse-grained progress callback.
func WithProgress(fn func(string)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

func New(remote Remote, store *ledger.Store, recorder *events.Recorder, paths script.ClusterPaths, resultsDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:     remote,
		store:      store,
		recorder:   recorder,
		paths:      paths,
		resultsDir: resultsDir,
		ids:        newIDGenerator(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) report(msg string) {
	if o.progress != nil {
		o.progress(msg)
	}
}

// SubmitRequest is everything needed to create one job.
type SubmitRequest struct {
	Name       string
	SourceFile string
	InputFiles []string
	Resources  models.ResourceRequest
	Params     models.JobParams
}

// Submit drives the five-step submission sequence. The ledger record
// is only appended after scheduler submission succeeds, so a failure
// anywhere leaves the ledger unchanged.
func (o *Orchestrator) Submit(req SubmitRequest) (*models.Job, error) {
	r, err := recipe.ForFile(req.SourceFile)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(req.Params, req.Resources); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(req.SourceFile)
	}

	id := o.ids.Next()
	jobDir := o.paths.JobDir(id)
	if err := pathcheck.Validate(jobDir, o.paths.UserRoot); err != nil {
		return nil, err
	}

	job := models.Job{
		ID:          id,
		Name:        name,
		SourceFile:  req.SourceFile,
		InputFiles:  req.InputFiles,
		Resources:   req.Resources,
		Params:      req.Params,
		RemoteDir:   jobDir,
		Status:      models.StatusPending,
		SubmittedAt: time.Now(),
	}

	o.report("creating remote job directory")
	if _, err := o.remote.RunChecked(fmt.Sprintf("mkdir -p %q", jobDir), 0); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}

	o.report("uploading files")
	for _, local := range append([]string{req.SourceFile}, req.InputFiles...) {
		remote := path.Join(jobDir, filepath.Base(local))
		if err := pathcheck.Validate(remote, o.paths.UserRoot); err != nil {
			return nil, err
		}
		if err := o.remote.Upload(local, remote); err != nil {
			return nil, err
		}
	}

	o.report("generating batch script")
	text := script.Build(job, r, o.paths)
	scriptPath := path.Join(jobDir, script.ScriptFileName)
	if err := o.remote.UploadBytes([]byte(text), scriptPath); err != nil {
		return nil, err
	}

	o.report("submitting to scheduler")
	res, err := o.remote.RunChecked(submitCmd(jobDir, script.ScriptFileName), 0)
	if err != nil {
		return nil, fmt.Errorf("scheduler submission: %w", err)
	}

	job.SchedulerID = parseSchedulerID(res.Stdout)
	if job.SchedulerID == "" {
		// not fatal: the job is in the scheduler's hands, we just
		// cannot query its queue state by id
		log.Printf("orchestrator: no scheduler id in sbatch output for %s: %q", id, res.Stdout)
	}

	if err := o.store.Append(job); err != nil {
		return nil, fmt.Errorf("recording job %s: %w", id, err)
	}
	o.recorder.Emit(events.TypeJobSubmitted, id, map[string]string{
		"name":         name,
		"scheduler_id": job.SchedulerID,
	})
	o.report("submitted as " + id)
	return &job, nil
}

// Poll refreshes every non-terminal job and persists the whole ledger
// once. One job's failure degrades that job to UNKNOWN; it never
// aborts the pass.
func (o *Orchestrator) Poll() ([]models.Job, error) {
	jobs, err := o.store.Jobs()
	if err != nil {
		return nil, err
	}

	type update struct {
		status   models.JobStatus
		snapshot *models.StatusSnapshot
	}
	updates := make(map[string]update)

	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		status, snap := o.resolveStatus(job)
		if status != job.Status || snap != nil {
			updates[job.ID] = update{status: status, snapshot: snap}
		}
	}

	if len(updates) == 0 {
		return jobs, nil
	}

	var refreshed []models.Job
	err = o.store.Mutate(func(current []models.Job) []models.Job {
		for i := range current {
			u, ok := updates[current[i].ID]
			if !ok {
				continue
			}
			if current[i].Status != u.status {
				o.recorder.Emit(events.TypeJobStatusChanged, current[i].ID, map[string]string{
					"from": string(current[i].Status),
					"to":   string(u.status),
				})
			}
			current[i].Status = u.status
			if u.snapshot != nil {
				current[i].Snapshot = u.snapshot
			}
		}
		refreshed = current
		return current
	})
	if err != nil {
		return nil, fmt.Errorf("persisting poll results: %w", err)
	}
	return refreshed, nil
}

// resolveStatus determines one job's current status. Errors never
// propagate: an unobservable job is UNKNOWN until a later poll says
// otherwise.
func (o *Orchestrator) resolveStatus(job models.Job) (models.JobStatus, *models.StatusSnapshot) {
	if job.SchedulerID != "" {
		res, err := o.remote.Run(queueStatusCmd(job.SchedulerID), 0)
		if err != nil {
			log.Printf("orchestrator: queue lookup failed for %s: %v", job.ID, err)
			return models.StatusUnknown, nil
		}
		if state := strings.TrimSpace(res.Stdout); state != "" {
			return mapSlurmState(state), nil
		}
		// empty listing: the job left the queue, fall through to the
		// self-reported metadata
	}

	res, err := o.remote.Run(readFileCmd(path.Join(job.RemoteDir, script.StatusFileName)), 0)
	if err != nil {
		log.Printf("orchestrator: status read failed for %s: %v", job.ID, err)
		return models.StatusUnknown, nil
	}
	if res.ExitCode != 0 {
		// no metadata file yet; the scheduler may simply not have
		// started the job when the queue was sampled
		return models.StatusUnknown, nil
	}

	snap, err := script.ParseSnapshot([]byte(res.Stdout))
	if err != nil {
		log.Printf("orchestrator: unreadable status report for %s, assuming COMPLETED: %v", job.ID, err)
		return models.StatusCompleted, nil
	}
	if !script.ValidStatusLiteral(snap.Status) {
		log.Printf("orchestrator: suspicious status %q for %s, assuming COMPLETED", snap.Status, job.ID)
		return models.StatusCompleted, snap
	}
	return models.JobStatus(snap.Status), snap
}

// Active returns the jobs still worth polling.
func (o *Orchestrator) Active() ([]models.Job, error) {
	jobs, err := o.store.Jobs()
	if err != nil {
		return nil, err
	}
	var active []models.Job
	for _, j := range jobs {
		if !j.Status.Terminal() {
			active = append(active, j)
		}
	}
	return active, nil
}

// Completed polls first, then returns the jobs whose status is exactly
// COMPLETED.
func (o *Orchestrator) Completed() ([]models.Job, error) {
	jobs, err := o.Poll()
	if err != nil {
		return nil, err
	}
	var done []models.Job
	for _, j := range jobs {
		if j.Status == models.StatusCompleted {
			done = append(done, j)
		}
	}
	return done, nil
}

// Fetch mirrors the job's remote directory into the per-job results
// location. Safe to re-run: existing local files are overwritten.
func (o *Orchestrator) Fetch(jobID string) (string, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return "", err
	}
	if err := pathcheck.Validate(job.RemoteDir, o.paths.UserRoot); err != nil {
		return "", err
	}

	dest := filepath.Join(o.resultsDir, job.ID)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}

	o.report("downloading results for " + job.ID)
	if err := o.remote.DownloadTree(job.RemoteDir, dest); err != nil {
		return "", err
	}
	o.recorder.Emit(events.TypeResultsFetched, job.ID, map[string]string{"dest": dest})
	return dest, nil
}

// Cleanup removes the job's remote directory. Irreversible, and it
// deliberately leaves the ledger record alone: the job stays visible
// locally with whatever state was last observed.
func (o *Orchestrator) Cleanup(jobID string) error {
	job, err := o.store.Get(jobID)
	if err != nil {
		return err
	}
	if err := pathcheck.ValidateDelete(job.RemoteDir, o.paths.UserRoot, o.paths.JobsRoot); err != nil {
		return err
	}

	if _, err := o.remote.RunChecked(removeDirCmd(job.RemoteDir), 0); err != nil {
		return fmt.Errorf("removing remote job directory: %w", err)
	}
	o.recorder.Emit(events.TypeJobCleaned, job.ID, nil)
	return nil
}

// TailLogs returns the last n lines of the job's scheduler output, or
// of the execution log when no scheduler id is known.
func (o *Orchestrator) TailLogs(jobID string, n int) (string, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return "", err
	}

	file := script.StdoutFileName
	if job.SchedulerID != "" {
		file = fmt.Sprintf("slurm-%s.out", job.SchedulerID)
	}
	logPath := path.Join(job.RemoteDir, file)
	if err := pathcheck.Validate(logPath, o.paths.UserRoot); err != nil {
		return "", err
	}

	res, err := o.remote.RunChecked(tailCmd(logPath, n), 0)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Remove deletes the ledger record. Local only: the remote directory,
// if it still exists, is not touched.
func (o *Orchestrator) Remove(jobID string) error {
	if err := o.store.Delete(jobID); err != nil {
		return err
	}
	o.recorder.Emit(events.TypeJobRemoved, jobID, nil)
	return nil
}
