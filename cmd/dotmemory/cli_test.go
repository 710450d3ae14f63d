package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLIHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"init", "append", "context", "chunk", "search", "stats", "reconcile", "backfill", "worker", "version"} {
		assert.Contains(t, output, name)
	}
	assert.Contains(t, output, "--config")
	assert.Contains(t, output, "--user")
}

func TestCLIRequiresSubcommand(t *testing.T) {
	_, err := runRootCommandForTest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a subcommand is required")
}

func TestCLIVersion(t *testing.T) {
	output, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "dotmemory dev"))
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	output, err := runRootCommandForTest("init", "--config", configPath, "--workspace", filepath.Join(dir, "ws"))
	require.NoError(t, err)
	assert.Contains(t, output, "Config written to")
	return configPath
}

func TestCLIInitRefusesOverwrite(t *testing.T) {
	configPath := initWorkspace(t)

	_, err := runRootCommandForTest("init", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = runRootCommandForTest("init", "--config", configPath, "--force")
	require.NoError(t, err)
	_, statErr := os.Stat(configPath)
	require.NoError(t, statErr)
}

func TestCLIAppendContextSearchStats(t *testing.T) {
	configPath := initWorkspace(t)
	base := []string{"--config", configPath, "--user", "alice"}
	run := func(args ...string) string {
		t.Helper()
		output, err := runRootCommandForTest(append(append([]string{}, args...), base...)...)
		require.NoError(t, err, "args %v", args)
		return output
	}

	turns := []struct{ role, content string }{
		{"user", "we booked the Lisbon trip for May"},
		{"assistant", "Great, I will remember Lisbon in May."},
		{"user", "also the garden needs new soil"},
	}
	for i, turn := range turns {
		output := run("append", "--role", turn.role, turn.content)
		assert.Contains(t, output, fmt.Sprintf("Appended #%d (%s", i+1, turn.role))
	}

	stats := run("stats")
	assert.Contains(t, stats, "3 (3 primary, 0 archived)")
	assert.Contains(t, stats, "0 (0 embedded")

	found := run("search", "lisbon")
	assert.Contains(t, found, "#1 [primary]")
	assert.Contains(t, found, "#2 [primary]")
	assert.NotContains(t, found, "garden")

	ctxOut := run("context", "--query", "travel plans")
	assert.Contains(t, ctxOut, "## Recent Conversation")
	assert.Contains(t, ctxOut, "user: also the garden needs new soil")

	chunk := run("chunk")
	assert.Contains(t, chunk, "No chunk created")

	assert.Contains(t, run("reconcile"), "consistent")
	assert.Contains(t, run("backfill"), "Embedded 0 chunks")
}

func TestCLIAppendValidation(t *testing.T) {
	configPath := initWorkspace(t)

	_, err := runRootCommandForTest("append", "--config", configPath, "--role", "narrator", "hello")
	require.Error(t, err)

	_, err = runRootCommandForTest("append", "--config", configPath, "-m", "one", "two")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestCLIUnknownUser(t *testing.T) {
	configPath := initWorkspace(t)
	_, err := runRootCommandForTest("stats", "--config", configPath, "--user", "ghost")
	require.Error(t, err)
}
