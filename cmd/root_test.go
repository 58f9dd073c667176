package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/keel/core/errors"
	"github.com/adalundhe/keel/core/repo"
)

// keel runs one command line against the shared root command. Flag
// variables outlive a single Execute, so they are put back to their
// defaults first.
func keel(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	verbose, workDir = false, "."
	projectName, checkoutForce = "", false
	addAll = false
	commitOpts = repo.CheckinOptions{}
	leavesAll, leavesClosed, walkLimit, resolveKind = false, false, 0, "*"
	tagPropagate, tagRaw = false, false
	stashComment, undoDryRun = "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"-C", dir}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func mustKeel(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := keel(t, dir, args...)
	require.NoError(t, err, out)
	return out
}

func newCheckout(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KEEL_DB_DRIVER", "sqlite")
	t.Setenv("KEEL_USER", "tester")

	dir := t.TempDir()
	out := mustKeel(t, dir, "init", dir, "--name", "demo")
	assert.Contains(t, out, "initialized demo")
	return dir
}

func writeFile(t *testing.T, dir, name, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestInitCommitStatus(t *testing.T) {
	dir := newCheckout(t)

	out := mustKeel(t, dir, "status")
	assert.Contains(t, out, "branch:       trunk")
	assert.Contains(t, out, "initial empty check-in")

	writeFile(t, dir, "a.txt", "alpha\n")
	mustKeel(t, dir, "add", "a.txt")
	out = mustKeel(t, dir, "status")
	assert.Contains(t, out, "ADDED      a.txt")

	out = mustKeel(t, dir, "commit", "-m", "first")
	assert.Contains(t, out, "New_Version:")

	out = mustKeel(t, dir, "status")
	assert.Contains(t, out, "comment:      first (user: tester)")
	assert.NotContains(t, out, "a.txt")

	writeFile(t, dir, "a.txt", "alpha, edited\n")
	out = mustKeel(t, dir, "status")
	assert.Contains(t, out, "EDITED     a.txt")
}

func TestInitTwiceFails(t *testing.T) {
	dir := newCheckout(t)
	_, err := keel(t, dir, "init", dir)
	assert.Error(t, err)
}

func TestCommitNeedsMessage(t *testing.T) {
	dir := newCheckout(t)
	_, err := keel(t, dir, "commit")
	assert.Error(t, err)
}

func TestAddAllAndExtras(t *testing.T) {
	dir := newCheckout(t)
	writeFile(t, dir, "one.txt", "1\n")
	writeFile(t, dir, "two.txt", "2\n")

	out := mustKeel(t, dir, "extras")
	assert.Equal(t, "one.txt\ntwo.txt\n", out)

	out = mustKeel(t, dir, "add", "--all")
	assert.Contains(t, out, "added 2 files")
	assert.Empty(t, mustKeel(t, dir, "extras"))
}

func TestStashSaveAndPop(t *testing.T) {
	dir := newCheckout(t)
	writeFile(t, dir, "a.txt", "alpha\n")
	mustKeel(t, dir, "add", "a.txt")
	mustKeel(t, dir, "commit", "-m", "base")

	writeFile(t, dir, "a.txt", "alpha, work in progress\n")
	out := mustKeel(t, dir, "stash", "save", "-m", "wip")
	assert.Contains(t, out, "stash 1 saved")
	assert.Equal(t, "alpha\n", readFile(t, dir, "a.txt"))

	out = mustKeel(t, dir, "stash", "list")
	assert.Contains(t, out, "wip")

	mustKeel(t, dir, "stash", "pop")
	assert.Equal(t, "alpha, work in progress\n", readFile(t, dir, "a.txt"))
	assert.NotContains(t, mustKeel(t, dir, "stash", "list"), "wip")
}

func TestTagResolveAndLeaves(t *testing.T) {
	dir := newCheckout(t)
	writeFile(t, dir, "a.txt", "alpha\n")
	mustKeel(t, dir, "add", "a.txt")
	mustKeel(t, dir, "commit", "-m", "tagged")

	mustKeel(t, dir, "tag", "add", "release", "current")
	out := mustKeel(t, dir, "tag", "list", "current")
	assert.Contains(t, out, "sym-release")

	out = mustKeel(t, dir, "resolve", "release", "--kind", "ci")
	assert.Contains(t, out, "comment: tagged")

	out = mustKeel(t, dir, "leaves")
	assert.Contains(t, out, "[trunk] tagged")
	assert.NotContains(t, out, "initial empty check-in")

	out = mustKeel(t, dir, "ancestors", "current")
	assert.Contains(t, out, "initial empty check-in")

	mustKeel(t, dir, "tag", "cancel", "release", "current")
	_, err := keel(t, dir, "resolve", "release", "--kind", "ci")
	assert.Error(t, err)
}

func TestUndoRedoAfterStash(t *testing.T) {
	dir := newCheckout(t)
	writeFile(t, dir, "a.txt", "alpha\n")
	mustKeel(t, dir, "add", "a.txt")
	mustKeel(t, dir, "commit", "-m", "base")

	writeFile(t, dir, "a.txt", "alpha, local edit\n")
	mustKeel(t, dir, "stash", "save")
	assert.Equal(t, "alpha\n", readFile(t, dir, "a.txt"))

	mustKeel(t, dir, "undo")
	assert.Equal(t, "alpha, local edit\n", readFile(t, dir, "a.txt"))

	mustKeel(t, dir, "redo")
	assert.Equal(t, "alpha\n", readFile(t, dir, "a.txt"))
}

func TestVerify(t *testing.T) {
	dir := newCheckout(t)
	writeFile(t, dir, "a.txt", "alpha\n")
	mustKeel(t, dir, "add", "a.txt")
	mustKeel(t, dir, "commit", "-m", "first")

	out := mustKeel(t, dir, "verify")
	assert.Contains(t, out, "verified")
	assert.NotContains(t, out, "CORRUPT")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(errors.Precondition("merge", "uncommitted changes")))
	assert.Equal(t, 1, ExitCode(errors.NotFound("artifact", "abcd")))

	dir := newCheckout(t)
	_, err := keel(t, dir, "commit")
	assert.Equal(t, 1, ExitCode(err), "cobra flag errors are not classified")

	_, err = keel(t, dir, "init", dir)
	assert.Equal(t, 2, ExitCode(err))
}
