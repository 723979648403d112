package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/config"
)

func TestParseFlags(t *testing.T) {
	cli, err := parseFlags([]string{"--debug", "--log-format=json", "serverId=a", "topic=t"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"serverId=a", "topic=t", "logLevel=debug", "logFormat=json"}, cli.Args)

	_, err = parseFlags([]string{"serverId=a", "--debug"}, io.Discard)
	assert.Error(t, err)

	var help bytes.Buffer
	cli, err = parseFlags([]string{"-h"}, &help)
	require.NoError(t, err)
	assert.True(t, cli.ShowHelp)
	assert.Contains(t, help.String(), "Usage: karabo-cppserver")
}

func TestRunValidateOnly(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	err := run([]string{"--validate", "serverId=check", "broker=mem://", "topic=t"}, io.Discard, io.Discard)
	assert.NoError(t, err)
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out, io.Discard))
	assert.Equal(t, "karabo-cppserver version "+Version+"\n", out.String())
}

func TestExitCodes(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitConfig, exitCode(run([]string{"visibility=high", "topic=t"}, io.Discard, io.Discard)))
	assert.Equal(t, exitConfig, exitCode(run([]string{"serverId=x", "topic=t", `init={"d": {}}`}, io.Discard, io.Discard)))
	assert.Equal(t, exitLoad, exitCode(fail(exitLoad, "plugin")))
	assert.Equal(t, exitSignaled, exitCode(&exitError{code: exitSignaled, err: errors.New("interrupted")}))
	assert.Equal(t, exitConfig, exitCode(errors.New("plain")))
}

func TestDeviceSpecs(t *testing.T) {
	in, err := config.ParseInit(`{"gen": {"classId": "DataGenerator", "period": 5}}`)
	require.NoError(t, err)
	specs := deviceSpecs(in)
	require.Len(t, specs, 1)
	assert.Equal(t, "DataGenerator", specs[0].ClassID)
	assert.Equal(t, "gen", specs[0].DeviceID)
	assert.True(t, specs[0].Config.Has("period"))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, lv := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	lv.Set(slog.LevelInfo)
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"karabo-cppserver"`)
	assert.Contains(t, buf.String(), "shown")
}
