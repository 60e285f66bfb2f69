package recipe

import (
	"strings"

	"github.com/hpcrun/hpcrun/internal/models"
)

// projectMarker selects the build-project recipe by exact filename.
const projectMarker = "Makefile"

// Default steps for a make project. Each is independently overridable
// through the job parameters.
const (
	defaultConfigureCmd = "if [ -x ./configure ]; then ./configure; fi"
	defaultBuildCmd     = "make"
	defaultRunCmd       = "make run"
)

// makeRecipe drives a configure/build/run pipeline for a project
// submitted via its Makefile.
type makeRecipe struct{}

func (r *makeRecipe) Kind() string { return "make-project" }

func (r *makeRecipe) Validate(p models.JobParams, res models.ResourceRequest) error {
	return validateCustom(p)
}

func (r *makeRecipe) ExecutionCommand(fileName string, p models.JobParams) string {
	if p.UseCustom {
		return p.CustomCommand
	}

	configure := p.ConfigureCmd
	if configure == "" {
		configure = defaultConfigureCmd
	}
	build := p.BuildCmd
	if build == "" {
		build = defaultBuildCmd
	}
	run := p.RunCmd
	if run == "" {
		run = defaultRunCmd
	}
	return strings.Join([]string{configure, build, run}, " && ")
}

func (r *makeRecipe) EnvironmentSetup(venvRoot string, p models.JobParams) string { return "" }

func (r *makeRecipe) SchedulerDirectives(p models.JobParams) []string { return nil }
