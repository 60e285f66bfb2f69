package recipe

import (
	"fmt"

	"github.com/hpcrun/hpcrun/internal/models"
)

// pythonRecipe runs a .py file under a named virtualenv.
type pythonRecipe struct{}

func (r *pythonRecipe) Kind() string { return "python-script" }

func (r *pythonRecipe) Validate(p models.JobParams, res models.ResourceRequest) error {
	if err := validateCustom(p); err != nil {
		return err
	}
	if p.Venv == "" {
		return &ValidationError{Field: "environment", Msg: "a runtime environment name is required for Python jobs"}
	}
	return nil
}

func (r *pythonRecipe) ExecutionCommand(fileName string, p models.JobParams) string {
	if p.UseCustom {
		return p.CustomCommand
	}
	return fmt.Sprintf("python -u %q", fileName)
}

func (r *pythonRecipe) EnvironmentSetup(venvRoot string, p models.JobParams) string {
	return venvActivation(venvRoot, p.Venv)
}

func (r *pythonRecipe) SchedulerDirectives(p models.JobParams) []string { return nil }

// notebookRecipe executes a .ipynb in place, keeping output cells.
type notebookRecipe struct{}

func (r *notebookRecipe) Kind() string { return "notebook" }

func (r *notebookRecipe) Validate(p models.JobParams, res models.ResourceRequest) error {
	if err := validateCustom(p); err != nil {
		return err
	}
	if p.Venv == "" {
		return &ValidationError{Field: "environment", Msg: "a runtime environment name is required for notebook jobs"}
	}
	return nil
}

func (r *notebookRecipe) ExecutionCommand(fileName string, p models.JobParams) string {
	if p.UseCustom {
		return p.CustomCommand
	}
	return fmt.Sprintf("jupyter nbconvert --to notebook --execute --inplace %q", fileName)
}

func (r *notebookRecipe) EnvironmentSetup(venvRoot string, p models.JobParams) string {
	return venvActivation(venvRoot, p.Venv)
}

func (r *notebookRecipe) SchedulerDirectives(p models.JobParams) []string { return nil }
