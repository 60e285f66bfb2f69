package recipe

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hpcrun/hpcrun/internal/models"
)

// defaultOptFlag is applied when the user picks no optimization level.
const defaultOptFlag = "-O3"

var optFlags = map[string]bool{
	"-O0":    true,
	"-O1":    true,
	"-O2":    true,
	"-O3":    true,
	"-Ofast": true,
	"-Og":    true,
}

// compilerFor picks the compiler by source suffix.
func compilerFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".c":
		return "gcc"
	case ".f", ".f90", ".f95":
		return "gfortran"
	default:
		return "g++"
	}
}

// compileAndRun builds the two-stage compile-then-run command shared
// by the native kinds.
func compileAndRun(compiler, fileName string, p models.JobParams) string {
	binary := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	opt := p.OptFlag
	if opt == "" {
		opt = defaultOptFlag
	}
	args := []string{compiler, opt}
	args = append(args, p.CompilerFlags...)
	args = append(args, "-o", binary, fileName)
	return fmt.Sprintf("%s && ./%s", strings.Join(args, " "), binary)
}

// nativeRecipe compiles a C/C++/Fortran source and runs the binary.
type nativeRecipe struct{}

func (r *nativeRecipe) Kind() string { return "native" }

func (r *nativeRecipe) Validate(p models.JobParams, res models.ResourceRequest) error {
	if err := validateCustom(p); err != nil {
		return err
	}
	if p.OptFlag != "" && !optFlags[p.OptFlag] {
		return &ValidationError{Field: "optimization flag", Msg: fmt.Sprintf("unrecognized flag %q", p.OptFlag)}
	}
	return nil
}

func (r *nativeRecipe) ExecutionCommand(fileName string, p models.JobParams) string {
	if p.UseCustom {
		return p.CustomCommand
	}
	return compileAndRun(compilerFor(fileName), fileName, p)
}

func (r *nativeRecipe) EnvironmentSetup(venvRoot string, p models.JobParams) string { return "" }

func (r *nativeRecipe) SchedulerDirectives(p models.JobParams) []string { return nil }

// cudaRecipe compiles a .cu source with nvcc and runs it on the
// allocated accelerator.
type cudaRecipe struct{}

func (r *cudaRecipe) Kind() string { return "cuda" }

func (r *cudaRecipe) Validate(p models.JobParams, res models.ResourceRequest) error {
	if err := validateCustom(p); err != nil {
		return err
	}
	if res.GPUs < 1 {
		return &ValidationError{Field: "gpus", Msg: "CUDA jobs need at least one GPU"}
	}
	if p.OptFlag != "" && !optFlags[p.OptFlag] {
		return &ValidationError{Field: "optimization flag", Msg: fmt.Sprintf("unrecognized flag %q", p.OptFlag)}
	}
	return nil
}

func (r *cudaRecipe) ExecutionCommand(fileName string, p models.JobParams) string {
	if p.UseCustom {
		return p.CustomCommand
	}
	return compileAndRun("nvcc", fileName, p)
}

func (r *cudaRecipe) EnvironmentSetup(venvRoot string, p models.JobParams) string {
	// module load plus a diagnostics echo so the log shows which
	// accelerator the scheduler actually handed out
	return strings.Join([]string{
		"module load cuda 2>/dev/null || true",
		`echo "CUDA devices visible: ${CUDA_VISIBLE_DEVICES:-none}"`,
		"nvidia-smi --query-gpu=index,name,memory.total --format=csv,noheader || true",
	}, "\n")
}

func (r *cudaRecipe) SchedulerDirectives(p models.JobParams) []string { return nil }
