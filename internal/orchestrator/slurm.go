package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hpcrun/hpcrun/internal/models"
)

// sbatchIDPattern matches the scheduler's fixed success message and
// captures the assigned numeric id.
var sbatchIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// parseSchedulerID extracts the scheduler-assigned id from sbatch
// output, or "" when the success message is absent.
func parseSchedulerID(out string) string {
	m := sbatchIDPattern.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return m[1]
}

func submitCmd(jobDir, scriptName string) string {
	return fmt.Sprintf("cd %q && sbatch %q", jobDir, scriptName)
}

func queueStatusCmd(schedulerID string) string {
	return fmt.Sprintf("squeue -j %s -h -o %%T", schedulerID)
}

func removeDirCmd(jobDir string) string {
	return fmt.Sprintf("rm -rf %q", jobDir)
}

func tailCmd(path string, lines int) string {
	return fmt.Sprintf("tail -n %d %q", lines, path)
}

func readFileCmd(path string) string {
	return fmt.Sprintf("cat %q", path)
}

// mapSlurmState folds the scheduler's queue states onto the job
// lifecycle. Unmapped transitional states are preserved verbatim so
// nothing is hidden from the user.
func mapSlurmState(state string) models.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "PENDING", "SUSPENDED", "REQUEUED":
		return models.StatusPending
	case "RUNNING", "COMPLETING", "CONFIGURING", "STAGE_OUT":
		return models.StatusRunning
	case "COMPLETED":
		return models.StatusCompleted
	case "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return models.StatusFailed
	default:
		return models.JobStatus(strings.ToUpper(strings.TrimSpace(state)))
	}
}
