package pathcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userRoot = "/scratch.hpc/alice"
	jobsRoot = "/scratch.hpc/alice/hpc_jobs"
)

func TestValidate(t *testing.T) {
	ok := []string{
		"/scratch.hpc/alice",
		"/scratch.hpc/alice/hpc_jobs",
		"/scratch.hpc/alice/hpc_jobs/job_0000000000001",
		"/scratch.hpc/alice/python_venvs/ml",
	}
	for _, p := range ok {
		assert.NoError(t, Validate(p, userRoot), p)
	}

	bad := []string{
		"",
		"hpc_jobs/job_1",
		"/scratch.hpc/alice/../bob",
		"/scratch.hpc/alice/hpc_jobs/../../bob",
		"/scratch.hpc/bob/hpc_jobs",
		"/scratch.hpc/alicefake/hpc_jobs",
		"/tmp/job_1",
		"/scratch.hpc/alice@cluster/hpc_jobs",
	}
	for _, p := range bad {
		err := Validate(p, userRoot)
		require.Error(t, err, p)
		var se *SecurityError
		assert.ErrorAs(t, err, &se, p)
	}
}

func TestValidateDelete(t *testing.T) {
	assert.NoError(t, ValidateDelete("/scratch.hpc/alice/hpc_jobs/job_1", userRoot, jobsRoot))

	// inside the user root but outside the jobs root
	err := ValidateDelete("/scratch.hpc/alice/python_venvs/ml", userRoot, jobsRoot)
	require.Error(t, err)

	// never the jobs root itself
	err = ValidateDelete(jobsRoot, userRoot, jobsRoot)
	require.Error(t, err)
	err = ValidateDelete(jobsRoot+"/", userRoot, jobsRoot)
	require.Error(t, err)

	// traversal is caught before containment
	err = ValidateDelete("/scratch.hpc/alice/hpc_jobs/../hpc_jobs/job_1", userRoot, jobsRoot)
	require.Error(t, err)
}
