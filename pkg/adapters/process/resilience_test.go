package process_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/adapters/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFixture compiles a program under testdata into a temp binary.
func buildFixture(t *testing.T, name string) string {
	t.Helper()

	exe := name
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}
	dest := filepath.Join(t.TempDir(), exe)

	cmd := exec.Command("go", "build", "-o", dest, "./testdata/"+name)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to build fixture %s: %s", name, string(out))
	return dest
}

func runFixture(t *testing.T, name string, timeout, grace time.Duration) (time.Duration, error) {
	t.Helper()
	exe := buildFixture(t, name)

	r := process.NewRunner(process.WithGracePeriod(grace))
	r.Register(name, exe)
	h, err := r.Handler(name)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err = h(ctx, nil)
	return time.Since(start), err
}

func TestResilience_GoodCitizen(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("interrupt delivery needs a console on windows")
	}
	duration, err := runFixture(t, "good_citizen", time.Second, 5*time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, duration, time.Second)
	assert.Less(t, duration, 4*time.Second, "should exit gracefully soon after the interrupt")
}

func TestResilience_BadCitizen_Ignore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
	duration, err := runFixture(t, "bad_citizen_ignore", 500*time.Millisecond, time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, duration, 1400*time.Millisecond, "should wait for the grace period before killing")
	assert.Less(t, duration, 5*time.Second)
}

func TestResilience_BadCitizen_Slow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
	duration, err := runFixture(t, "bad_citizen_slow", 500*time.Millisecond, time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, duration, 1400*time.Millisecond)
	assert.Less(t, duration, 5*time.Second, "slow citizen is killed after the grace period")
}

func TestResilience_Crashy(t *testing.T) {
	_, err := runFixture(t, "crashy", 10*time.Second, time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 123")
	assert.Contains(t, err.Error(), "Something went terribly wrong")
}
