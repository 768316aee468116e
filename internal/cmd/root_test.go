package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/parsekit/internal/server/handlers"
	"github.com/3leaps/parsekit/pkg/submit"
	"github.com/3leaps/parsekit/pkg/transport"
)

func TestSetVersionInfo(t *testing.T) {
	saved := versionInfo
	t.Cleanup(func() { SetVersionInfo(saved.Version, saved.Commit, saved.BuildDate) })

	for _, v := range [][3]string{
		{"1.0.0", "abc123", "2026-01-15"},
		{"dev", "HEAD", "unknown"},
		{"", "", ""},
	} {
		SetVersionInfo(v[0], v[1], v[2])
		assert.Equal(t, v[0], versionInfo.Version)
		assert.Equal(t, v[1], versionInfo.Commit)
		assert.Equal(t, v[2], versionInfo.BuildDate)
		assert.Equal(t, v[0], rootCmd.Version)
	}
}

func TestGetAppIdentity(t *testing.T) {
	id := GetAppIdentity()
	require.NotNil(t, id)
	assert.Equal(t, "parsekit", id.BinaryName)
	assert.Equal(t, "PARSEKIT", id.EnvPrefix)

	saved := appIdentity
	appIdentity = nil
	t.Cleanup(func() { appIdentity = saved })
	assert.Nil(t, GetAppIdentity())
}

func TestSetVersionInfo_UpdatesStatusServer(t *testing.T) {
	defer SetVersionInfo("dev", "unknown", "unknown")

	isolateEnv(t)
	SetVersionInfo("2.1.0", "deadbeef", "2026-10-01")
	assert.Equal(t, "2.1.0", rootCmd.Version)

	out, err := executeCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"commit": "deadbeef"`)

	rec := httptest.NewRecorder()
	handlers.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Contains(t, rec.Body.String(), "deadbeef")
}

func TestFlagOverrides(t *testing.T) {
	defer resetFlags()

	resetFlags()
	assert.Empty(t, flagOverrides())

	dataDirFlag = "/tmp/pk"
	dbPathFlag = "/tmp/pk/jobs.db"
	logLevel = "debug"
	assert.Equal(t, map[string]any{
		"data_dir": "/tmp/pk",
		"store":    map[string]any{"path": "/tmp/pk/jobs.db"},
		"logging":  map[string]any{"level": "debug"},
	}, flagOverrides())
}

func TestFlagOverridesApplied(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	_, err := executeCommand(t, "jobs", "list", "--data-dir", dir)
	require.NoError(t, err)

	require.NotNil(t, appConfig)
	assert.Equal(t, dir, appConfig.DataDir)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "plain error", err: errors.New("boom"), want: exitFailure},
		{name: "exit error", err: exitError(foundry.ExitInvalidArgument, "bad config", errors.New("x")), want: foundry.ExitInvalidArgument},
		{name: "wrapped exit error", err: fmt.Errorf("outer: %w", exitError(foundry.ExitFileNotFound, "missing", nil)), want: foundry.ExitFileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid job id", errors.New("not a number"))
	assert.Equal(t, "Invalid job id: not a number", err.Error())
	assert.Equal(t, "Diagnostics failed", exitError(exitFailure, "Diagnostics failed", nil).Error())
}

func TestPollExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unconfigured", err: &transport.TransportError{Op: transport.OpResolveEndpoint, Err: errors.New("no base url")}, want: foundry.ExitInvalidArgument},
		{name: "exchange failed", err: &transport.TransportError{Op: "send", StatusCode: 503}, want: foundry.ExitExternalServiceUnavailable},
		{name: "interrupted", err: &transport.TransportError{Op: "send", Err: context.Canceled}, want: foundry.ExitSignalInt},
		{name: "other", err: errors.New("store closed"), want: exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pollExitCode(tt.err))
		})
	}
}

func TestSubmitExitCode(t *testing.T) {
	tests := []struct {
		stage string
		want  int
	}{
		{stage: submit.StageValidate, want: foundry.ExitInvalidArgument},
		{stage: submit.StageSettings, want: foundry.ExitInvalidArgument},
		{stage: submit.StageSeal, want: foundry.ExitInvalidArgument},
		{stage: submit.StageInsert, want: foundry.ExitExternalServiceUnavailable},
		{stage: submit.StageEncode, want: exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			err := fmt.Errorf("submit: %w", &submit.SubmissionError{Kind: "doc", Stage: tt.stage, Err: assert.AnError})
			assert.Equal(t, tt.want, submitExitCode(err))
		})
	}
	assert.Equal(t, exitFailure, submitExitCode(assert.AnError))
}
