package models

import (
	"time"
)

// JobStatus tracks a job through its remote lifecycle. PENDING and
// RUNNING are scheduler-observed states; COMPLETED and FAILED are
// terminal. UNKNOWN means the last poll could not determine the state
// and a later poll may still resolve it.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusUnknown   JobStatus = "UNKNOWN"
)

// Terminal reports whether no further polling can change the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResourceRequest is the Slurm allocation asked for at submission.
// Never mutated after the job is created.
type ResourceRequest struct {
	Partition string `json:"partition"`
	CPUs      int    `json:"cpus"`
	GPUs      int    `json:"gpus"`
	Memory    string `json:"memory"`     // e.g. "16G"
	TimeLimit string `json:"time_limit"` // HH:MM:SS
}

// JobParams carries recipe-specific knobs collected at submission.
type JobParams struct {
	Venv          string   `json:"venv,omitempty"`           // runtime environment name (interpreted kinds)
	OptFlag       string   `json:"opt_flag,omitempty"`       // compiler optimization level
	CompilerFlags []string `json:"compiler_flags,omitempty"` // extra compiler arguments
	UseCustom     bool     `json:"use_custom,omitempty"`     // user explicitly chose a custom command
	CustomCommand string   `json:"custom_command,omitempty"`
	ConfigureCmd  string   `json:"configure_cmd,omitempty"` // build-project overrides
	BuildCmd      string   `json:"build_cmd,omitempty"`
	RunCmd        string   `json:"run_cmd,omitempty"`
}

// Job is one submitted unit of work, tracked end-to-end in the ledger.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	SourceFile  string          `json:"source_file"` // local path of the primary file
	InputFiles  []string        `json:"input_files,omitempty"`
	Resources   ResourceRequest `json:"resources"`
	Params      JobParams       `json:"params"`
	RemoteDir   string          `json:"remote_dir"`
	SchedulerID string          `json:"scheduler_id,omitempty"` // empty until (and unless) sbatch output parsed
	Status      JobStatus       `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Snapshot    *StatusSnapshot `json:"snapshot,omitempty"`
}

// StatusSnapshot is the completion report the generated script writes
// to status.json on the remote side. Immutable once observed.
type StatusSnapshot struct {
	JobID       string            `json:"job_id"`
	SchedulerID string            `json:"scheduler_id"`
	Status      string            `json:"status"`
	SubmittedAt string            `json:"submitted_at"`
	StartedAt   string            `json:"started_at"`
	EndedAt     string            `json:"ended_at"`
	Duration    int               `json:"duration_seconds"`
	ExitCode    int               `json:"exit_code"`
	Resources   SnapshotResources `json:"resources"`
	Files       SnapshotFiles     `json:"files"`
	Environment string            `json:"environment"`
	Hostname    string            `json:"hostname"`
	Errors      []string          `json:"errors"`
}

type SnapshotResources struct {
	Partition string `json:"partition"`
	CPUs      int    `json:"cpus"`
	GPUs      int    `json:"gpus"`
	Memory    string `json:"memory"`
	TimeLimit string `json:"time_limit"`
}

type SnapshotFiles struct {
	Script  string   `json:"script"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// JobEvent is one row of the local audit trail.
type JobEvent struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	JobID       *string   `json:"job_id,omitempty"`
	PayloadJSON *string   `json:"payload_json,omitempty"`
}
