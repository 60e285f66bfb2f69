package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcrun/hpcrun/internal/models"
)

func TestForFile(t *testing.T) {
	cases := map[string]string{
		"train.py":       "python-script",
		"analysis.ipynb": "notebook",
		"solver.c":       "native",
		"solver.cpp":     "native",
		"fluid.f90":      "native",
		"kernel.cu":      "cuda",
		"Makefile":       "make-project",
		"sub/dir/sim.PY": "python-script",
	}
	for name, kind := range cases {
		r, err := ForFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, kind, r.Kind(), name)
	}

	_, err := ForFile("notes.txt")
	require.Error(t, err)
	var uk *UnsupportedFileKindError
	assert.ErrorAs(t, err, &uk)

	// the project marker is an exact match, not a suffix
	_, err = ForFile("Makefile.am")
	assert.Error(t, err)
}

func TestPythonValidation(t *testing.T) {
	r, _ := ForFile("train.py")

	err := r.Validate(models.JobParams{}, models.ResourceRequest{})
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.NoError(t, r.Validate(models.JobParams{Venv: "ml"}, models.ResourceRequest{}))
}

func TestPythonCommands(t *testing.T) {
	r, _ := ForFile("train.py")
	assert.Equal(t, `python -u "train.py"`, r.ExecutionCommand("train.py", models.JobParams{Venv: "ml"}))
	assert.Contains(t, r.EnvironmentSetup("/scratch.hpc/alice/python_venvs", models.JobParams{Venv: "ml"}),
		"/scratch.hpc/alice/python_venvs/ml/bin/activate")

	custom := models.JobParams{Venv: "ml", UseCustom: true, CustomCommand: "python train.py --epochs 3"}
	assert.Equal(t, "python train.py --epochs 3", r.ExecutionCommand("train.py", custom))
}

func TestNotebookCommand(t *testing.T) {
	r, _ := ForFile("analysis.ipynb")
	cmd := r.ExecutionCommand("analysis.ipynb", models.JobParams{Venv: "ml"})
	assert.Contains(t, cmd, "nbconvert")
	assert.Contains(t, cmd, "--inplace")
}

func TestNativeCompileAndRun(t *testing.T) {
	r, _ := ForFile("solver.c")

	cmd := r.ExecutionCommand("solver.c", models.JobParams{})
	assert.Equal(t, "gcc -O3 -o solver solver.c && ./solver", cmd)

	cmd = r.ExecutionCommand("solver.cpp", models.JobParams{OptFlag: "-O2", CompilerFlags: []string{"-fopenmp"}})
	assert.Equal(t, "g++ -O2 -fopenmp -o solver solver.cpp && ./solver", cmd)

	cmd = r.ExecutionCommand("fluid.f90", models.JobParams{})
	assert.Contains(t, cmd, "gfortran")
}

func TestNativeValidation(t *testing.T) {
	r, _ := ForFile("solver.c")
	assert.NoError(t, r.Validate(models.JobParams{OptFlag: "-O2"}, models.ResourceRequest{}))
	assert.NoError(t, r.Validate(models.JobParams{}, models.ResourceRequest{}))

	err := r.Validate(models.JobParams{OptFlag: "-O9"}, models.ResourceRequest{})
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCudaValidation(t *testing.T) {
	r, _ := ForFile("kernel.cu")

	err := r.Validate(models.JobParams{}, models.ResourceRequest{GPUs: 0})
	require.Error(t, err)

	err = r.Validate(models.JobParams{UseCustom: true, CustomCommand: "   "}, models.ResourceRequest{GPUs: 1})
	require.Error(t, err)

	assert.NoError(t, r.Validate(models.JobParams{}, models.ResourceRequest{GPUs: 2}))
}

func TestCudaCommands(t *testing.T) {
	r, _ := ForFile("kernel.cu")
	assert.Equal(t, "nvcc -O3 -o kernel kernel.cu && ./kernel", r.ExecutionCommand("kernel.cu", models.JobParams{}))

	setup := r.EnvironmentSetup("", models.JobParams{})
	assert.Contains(t, setup, "module load cuda")
	assert.Contains(t, setup, "nvidia-smi")
}

func TestMakeProjectSteps(t *testing.T) {
	r, _ := ForFile("Makefile")

	cmd := r.ExecutionCommand("Makefile", models.JobParams{})
	assert.Contains(t, cmd, "./configure")
	assert.Contains(t, cmd, " && make && make run")

	cmd = r.ExecutionCommand("Makefile", models.JobParams{
		BuildCmd: "make -j8 all",
		RunCmd:   "./bin/sim --fast",
	})
	assert.Contains(t, cmd, "make -j8 all && ./bin/sim --fast")
}
