package script

import "path"

// Fixed filenames inside every job directory. These are interop
// constants: the generated script, the poller, and the results
// download all rely on them.
const (
	ScriptFileName = "job.sbatch"
	StdoutFileName = "execution_log.txt"
	StderrFileName = "execution_errors.txt"
	StatusFileName = "status.json"
)

// ClusterPaths is the per-user remote filesystem layout.
type ClusterPaths struct {
	UserRoot string // <scratch-root>/<cluster-username>
	VenvRoot string // <user-root>/python_venvs
	JobsRoot string // <user-root>/hpc_jobs
}

// NewClusterPaths derives the layout from the scratch root and
// cluster username.
func NewClusterPaths(scratchRoot, user string) ClusterPaths {
	root := path.Join(scratchRoot, user)
	return ClusterPaths{
		UserRoot: root,
		VenvRoot: path.Join(root, "python_venvs"),
		JobsRoot: path.Join(root, "hpc_jobs"),
	}
}

// JobDir returns the per-job remote directory. Job directories are
// never reused.
func (c ClusterPaths) JobDir(jobID string) string {
	return path.Join(c.JobsRoot, jobID)
}
