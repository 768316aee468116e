package cmd

import (
	"context"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityHealthChecker(t *testing.T) {
	valid := identityHealthChecker{binaryName: "parsekit", envPrefix: "PARSEKIT", configName: "parsekit"}
	require.NoError(t, valid.CheckHealth(context.Background()))

	blank := map[string]func(*identityHealthChecker){
		"missing binary name": func(c *identityHealthChecker) { c.binaryName = "" },
		"missing env prefix":  func(c *identityHealthChecker) { c.envPrefix = "" },
		"missing config name": func(c *identityHealthChecker) { c.configName = "" },
	}
	for want, blankOut := range blank {
		t.Run(want, func(t *testing.T) {
			c := valid
			blankOut(&c)
			assert.ErrorContains(t, c.CheckHealth(context.Background()), want)
		})
	}
}

func TestRun_NothingToRun(t *testing.T) {
	setupDevice(t)

	_, err := executeCommand(t, "run", "--no-server", "--no-poller")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
}

func TestRun_InvalidLogLevel(t *testing.T) {
	isolateEnv(t)

	_, err := executeCommand(t, "run", "--log-level", "loud", "--no-server")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
}
