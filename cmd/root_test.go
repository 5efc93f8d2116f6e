package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/rank"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"runs", "sources", "jobs", "worker", "export", "publish", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "research", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunsCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"create", "list", "show", "cancel"} {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}

	require.NotNil(t, runsCreateCmd.Flags().Lookup("file"))
	require.NotNil(t, runsShowCmd.Flags().Lookup("run"))
}

func TestJobsCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"enqueue", "list", "cancel", "dlq", "requeue"} {
		assert.True(t, names[name], "expected jobs subcommand %q not found", name)
	}

	typeFlag := jobsEnqueueCmd.Flags().Lookup("type")
	require.NotNil(t, typeFlag)
	assert.Equal(t, "research", typeFlag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	formatFlag := exportCmd.Flags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "csv", formatFlag.DefValue)

	require.NotNil(t, exportCmd.Flags().Lookup("out"))
}

func TestPublishCommand_Flags(t *testing.T) {
	require.NotNil(t, publishCmd.Flags().Lookup("sink"))
	require.NotNil(t, publishCmd.Flags().Lookup("limit"))
}

func TestWriteExport_Formats(t *testing.T) {
	for _, format := range []string{"csv", "json", "xlsx"} {
		var buf bytes.Buffer
		assert.NoError(t, writeExport(&buf, format, nil), format)
		assert.NotZero(t, buf.Len(), format)
	}

	var buf bytes.Buffer
	err := writeExport(&buf, "pdf", nil)
	assert.Error(t, err)
}

func TestWriteExport_CSVHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, "csv", []rank.RankedProspect{}))
	assert.Contains(t, buf.String(), "rank,company_name")
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://example.com/list.csv"))
	assert.True(t, isRemote("ftp://files.example.com/list.xlsx"))
	assert.False(t, isRemote("./lists/suppliers.csv"))
	assert.False(t, isRemote("list.csv"))
}
