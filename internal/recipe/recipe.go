// Package recipe maps a file kind onto the commands needed to run it
// on the cluster: the execution command itself, any environment setup,
// and up-front validation of the job parameters. The set of kinds is
// fixed; selection is by filename.
package recipe

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hpcrun/hpcrun/internal/models"
)

// Recipe is the per-file-kind strategy consumed by the script builder.
// All methods are pure string work; nothing touches the cluster.
type Recipe interface {
	// Kind names the variant, e.g. "python-script".
	Kind() string

	// Validate rejects bad job parameters before any remote
	// interaction happens.
	Validate(p models.JobParams, res models.ResourceRequest) error

	// ExecutionCommand returns the shell command that runs fileName
	// inside the job directory. Output redirection is the script
	// builder's concern, not the recipe's.
	ExecutionCommand(fileName string, p models.JobParams) string

	// EnvironmentSetup returns a shell snippet run before the
	// execution command. May be empty.
	EnvironmentSetup(venvRoot string, p models.JobParams) string

	// SchedulerDirectives returns extra #SBATCH lines for this kind.
	SchedulerDirectives(p models.JobParams) []string
}

// ValidationError is a recipe-level rejection of job parameters.
// Fully local and cheap to recover from.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// UnsupportedFileKindError means no recipe matches the file name.
type UnsupportedFileKindError struct {
	FileName string
}

func (e *UnsupportedFileKindError) Error() string {
	return fmt.Sprintf("no execution recipe for %q (supported: .py, .ipynb, .c/.cc/.cpp/.cxx, .f/.f90/.f95, .cu, Makefile)", e.FileName)
}

// ForFile selects the recipe by filename: exact match for the
// build-project marker, suffix match otherwise.
func ForFile(fileName string) (Recipe, error) {
	base := filepath.Base(fileName)
	if base == projectMarker {
		return &makeRecipe{}, nil
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".py":
		return &pythonRecipe{}, nil
	case ".ipynb":
		return &notebookRecipe{}, nil
	case ".c", ".cc", ".cpp", ".cxx", ".f", ".f90", ".f95":
		return &nativeRecipe{}, nil
	case ".cu":
		return &cudaRecipe{}, nil
	}
	return nil, &UnsupportedFileKindError{FileName: fileName}
}

// validateCustom enforces that an explicitly requested custom command
// is not blank.
func validateCustom(p models.JobParams) error {
	if p.UseCustom && strings.TrimSpace(p.CustomCommand) == "" {
		return &ValidationError{Field: "custom command", Msg: "a custom command was requested but is empty"}
	}
	return nil
}

// venvActivation is shared by the interpreted kinds.
func venvActivation(venvRoot, venv string) string {
	return fmt.Sprintf("source %q", venvRoot+"/"+venv+"/bin/activate")
}
