// Package script turns a job plus its recipe into the sbatch document
// submitted to the cluster, and parses the status.json report that
// document writes back. Build is pure: same job in, same bytes out.
package script

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcrun/hpcrun/internal/models"
	"github.com/hpcrun/hpcrun/internal/recipe"
)

// Build renders the batch script for job. The script is self-contained:
// it runs the recipe's command, then writes status.json so the job's
// outcome survives the scheduler forgetting about it.
func Build(job models.Job, r recipe.Recipe, paths ClusterPaths) string {
	var b strings.Builder

	primary := filepath.Base(job.SourceFile)
	inputs := []string{primary}
	for _, f := range job.InputFiles {
		inputs = append(inputs, filepath.Base(f))
	}

	writeHeader(&b, job)
	for _, d := range r.SchedulerDirectives(job.Params) {
		fmt.Fprintln(&b, d)
	}
	writeBanner(&b, job)
	writeEnvironment(&b, job, r, paths)
	writeExecution(&b, r.ExecutionCommand(primary, job.Params))
	writeMetadata(&b, job, inputs)
	writeFooter(&b)

	return b.String()
}

func writeHeader(b *strings.Builder, job models.Job) {
	res := job.Resources
	fmt.Fprintln(b, "#!/bin/bash")
	fmt.Fprintf(b, "#SBATCH --job-name=%s\n", job.Name)
	fmt.Fprintf(b, "#SBATCH --output=%s/slurm-%%j.out\n", job.RemoteDir)
	fmt.Fprintf(b, "#SBATCH --error=%s/slurm-%%j.err\n", job.RemoteDir)
	fmt.Fprintf(b, "#SBATCH --partition=%s\n", res.Partition)
	fmt.Fprintln(b, "#SBATCH --nodes=1")
	fmt.Fprintln(b, "#SBATCH --ntasks=1")
	fmt.Fprintf(b, "#SBATCH --cpus-per-task=%d\n", res.CPUs)
	if res.GPUs > 0 {
		fmt.Fprintf(b, "#SBATCH --gres=gpu:%d\n", res.GPUs)
	}
	fmt.Fprintf(b, "#SBATCH --mem=%s\n", res.Memory)
	fmt.Fprintf(b, "#SBATCH --time=%s\n", res.TimeLimit)
}

func writeBanner(b *strings.Builder, job models.Job) {
	fmt.Fprintln(b)
	fmt.Fprintln(b, `echo "============================================================"`)
	fmt.Fprintf(b, "echo \"Job: %s ($SLURM_JOB_ID)\"\n", job.Name)
	fmt.Fprintln(b, `echo "Host: $(hostname)"`)
	b.WriteString(`echo "Started: $(date +%s)"` + "\n")
	fmt.Fprintln(b, `echo "============================================================"`)
}

func writeEnvironment(b *strings.Builder, job models.Job, r recipe.Recipe, paths ClusterPaths) {
	fmt.Fprintln(b)
	fmt.Fprintf(b, "export OMP_NUM_THREADS=%d\n", job.Resources.CPUs)
	if setup := r.EnvironmentSetup(paths.VenvRoot, job.Params); setup != "" {
		fmt.Fprintln(b, setup)
	}
	fmt.Fprintf(b, "cd %q\n", job.RemoteDir)
}

func writeExecution(b *strings.Builder, cmd string) {
	fmt.Fprintln(b)
	b.WriteString("START_EPOCH=$(date +%s)\n")
	fmt.Fprintf(b, "( %s ) > %q 2> %q\n", cmd, StdoutFileName, StderrFileName)
	fmt.Fprintln(b, "EXIT_CODE=$?")
	b.WriteString("END_EPOCH=$(date +%s)\n")
	fmt.Fprintln(b, "DURATION=$((END_EPOCH - START_EPOCH))")
}

// writeMetadata emits the self-reporting section: resolve the terminal
// status from the exit code, format timestamps, collect the output
// manifest, and assemble status.json with shell primitives only (the
// remote side may have no JSON tooling installed).
func writeMetadata(b *strings.Builder, job models.Job, inputs []string) {
	fmt.Fprintln(b)
	fmt.Fprintln(b, `if [ "$EXIT_CODE" -eq 0 ]; then JOB_STATUS="COMPLETED"; else JOB_STATUS="FAILED"; fi`)

	// GNU date parses epochs with -d @N, BSD date wants -r N; probe
	// once and use whichever works
	b.WriteString(`if date -u -d "@$START_EPOCH" +%Y-%m-%dT%H:%M:%SZ >/dev/null 2>&1; then` + "\n")
	b.WriteString(`    START_ISO=$(date -u -d "@$START_EPOCH" +%Y-%m-%dT%H:%M:%SZ)` + "\n")
	b.WriteString(`    END_ISO=$(date -u -d "@$END_EPOCH" +%Y-%m-%dT%H:%M:%SZ)` + "\n")
	fmt.Fprintln(b, `else`)
	b.WriteString(`    START_ISO=$(date -u -r "$START_EPOCH" +%Y-%m-%dT%H:%M:%SZ)` + "\n")
	b.WriteString(`    END_ISO=$(date -u -r "$END_EPOCH" +%Y-%m-%dT%H:%M:%SZ)` + "\n")
	fmt.Fprintln(b, `fi`)

	// output manifest: everything in the job directory that is not
	// the script, a scheduler log, an execution log, the metadata
	// file, or a declared input
	exclusions := []string{
		ScriptFileName,
		StatusFileName,
		StdoutFileName,
		StderrFileName,
		"slurm-*.out",
		"slurm-*.err",
	}
	exclusions = append(exclusions, inputs...)

	fmt.Fprintln(b)
	fmt.Fprintln(b, `OUTPUT_FILES=""`)
	fmt.Fprintln(b, `for f in *; do`)
	fmt.Fprintln(b, `    case "$f" in`)
	fmt.Fprintf(b, "        %s) ;;\n", strings.Join(exclusions, "|"))
	fmt.Fprintln(b, `        *)`)
	fmt.Fprintln(b, `            if [ -f "$f" ]; then`)
	fmt.Fprintln(b, `                if [ -n "$OUTPUT_FILES" ]; then OUTPUT_FILES="$OUTPUT_FILES, "; fi`)
	fmt.Fprintln(b, `                OUTPUT_FILES="$OUTPUT_FILES\"$f\""`)
	fmt.Fprintln(b, `            fi`)
	fmt.Fprintln(b, `            ;;`)
	fmt.Fprintln(b, `    esac`)
	fmt.Fprintln(b, `done`)

	quoted := make([]string, len(inputs))
	for i, in := range inputs {
		quoted[i] = fmt.Sprintf(`\"%s\"`, in)
	}
	res := job.Resources

	fmt.Fprintln(b)
	fmt.Fprintln(b, "{")
	fmt.Fprintln(b, `    echo "{"`)
	fmt.Fprintf(b, "    echo \"  \\\"job_id\\\": \\\"%s\\\",\"\n", job.ID)
	fmt.Fprintln(b, `    echo "  \"scheduler_id\": \"$SLURM_JOB_ID\","`)
	fmt.Fprintln(b, `    echo "  \"status\": \"$JOB_STATUS\","`)
	fmt.Fprintf(b, "    echo \"  \\\"submitted_at\\\": \\\"%s\\\",\"\n", job.SubmittedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(b, `    echo "  \"started_at\": \"$START_ISO\","`)
	fmt.Fprintln(b, `    echo "  \"ended_at\": \"$END_ISO\","`)
	fmt.Fprintln(b, `    echo "  \"duration_seconds\": $DURATION,"`)
	fmt.Fprintln(b, `    echo "  \"exit_code\": $EXIT_CODE,"`)
	fmt.Fprintln(b, `    echo "  \"resources\": {"`)
	fmt.Fprintf(b, "    echo \"    \\\"partition\\\": \\\"%s\\\",\"\n", res.Partition)
	fmt.Fprintf(b, "    echo \"    \\\"cpus\\\": %d,\"\n", res.CPUs)
	fmt.Fprintf(b, "    echo \"    \\\"gpus\\\": %d,\"\n", res.GPUs)
	fmt.Fprintf(b, "    echo \"    \\\"memory\\\": \\\"%s\\\",\"\n", res.Memory)
	fmt.Fprintf(b, "    echo \"    \\\"time_limit\\\": \\\"%s\\\"\"\n", res.TimeLimit)
	fmt.Fprintln(b, `    echo "  },"`)
	fmt.Fprintln(b, `    echo "  \"files\": {"`)
	fmt.Fprintf(b, "    echo \"    \\\"script\\\": \\\"%s\\\",\"\n", ScriptFileName)
	fmt.Fprintf(b, "    echo \"    \\\"inputs\\\": [%s],\"\n", strings.Join(quoted, ", "))
	fmt.Fprintln(b, `    echo "    \"outputs\": [$OUTPUT_FILES]"`)
	fmt.Fprintln(b, `    echo "  },"`)
	fmt.Fprintf(b, "    echo \"  \\\"environment\\\": \\\"%s\\\",\"\n", job.Params.Venv)
	fmt.Fprintln(b, `    echo "  \"hostname\": \"$(hostname)\","`)
	fmt.Fprintln(b, `    echo "  \"errors\": []"`)
	fmt.Fprintln(b, `    echo "}"`)
	fmt.Fprintf(b, "} > %q\n", StatusFileName)
}

func writeFooter(b *strings.Builder) {
	fmt.Fprintln(b)
	fmt.Fprintln(b, `echo "============================================================"`)
	fmt.Fprintln(b, `if [ "$EXIT_CODE" -eq 0 ]; then`)
	fmt.Fprintln(b, `    echo "Job finished successfully in ${DURATION}s"`)
	fmt.Fprintln(b, `else`)
	fmt.Fprintln(b, `    echo "Job FAILED (exit code $EXIT_CODE) after ${DURATION}s"`)
	fmt.Fprintln(b, `fi`)
	fmt.Fprintln(b, `echo "============================================================"`)
	fmt.Fprintln(b, `exit $EXIT_CODE`)
}
