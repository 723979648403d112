package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

func envOf(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	cfg.Topic = "karabo"
	assert.NoError(t, cfg.Validate())
}

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker: nats://file:4222
topic: fromfile
heartbeatInterval: 5s
visibility: 2
deviceClasses: [DataGenerator, DataSink]
`), 0o600))

	loader := NewLoader().WithEnv(envOf(map[string]string{
		"KARABO_BROKER": "mqtt://env:1883",
	}))
	cfg, runtime, err := loader.Load([]string{
		"config=" + path,
		"topic=cli",
		"heartbeatInterval=7",
		"Logger.priority=DEBUG",
		"custom.key=1",
	})
	require.NoError(t, err)

	assert.Equal(t, "mqtt://env:1883", cfg.Broker)
	assert.Equal(t, "cli", cfg.Topic)
	assert.Equal(t, 7*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, int32(2), cfg.Visibility)
	assert.Equal(t, []string{"DataGenerator", "DataSink"}, cfg.DeviceClasses)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.PluginScanInterval, "default kept")

	assert.Equal(t, "DEBUG", hash.GetOr(runtime, "Logger.priority", ""))
	assert.Equal(t, "1", hash.GetOr(runtime, "custom.key", ""))
	assert.False(t, runtime.Has(KeyConfigFile))
}

func TestLoadTopicFallsBackToEnvironment(t *testing.T) {
	cfg, _, err := NewLoader().WithEnv(envOf(map[string]string{
		"KARABO_BROKER_TOPIC": "beamline",
	})).Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "beamline", cfg.Topic)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"not key value", []string{"serverId"}},
		{"empty key", []string{"=x"}},
		{"bad number", []string{"visibility=high"}},
		{"bad duration", []string{"heartbeatInterval=soon"}},
		{"bad scheme", []string{"broker=http://localhost"}},
		{"bad init", []string{`init={"dev": {}}`}},
		{"missing file", []string{"config=" + filepath.Join(os.TempDir(), "absent.yaml")}},
		{"not yaml", []string{"config=settings.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewLoader().WithEnv(envOf(map[string]string{"KARABO_BROKER_TOPIC": "t"})).Load(tt.args)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), err.Error())
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Topic = "bad topic"
	cfg.LogFormat = "xml"
	cfg.MetricsPort = 70000

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "topic")
	assert.Contains(t, err.Error(), "logFormat")
	assert.Contains(t, err.Error(), "metricsPort")
}

func TestParseInit(t *testing.T) {
	devices, err := ParseInit(`{
		"sink": {"classId": "DataSink"},
		"gen": {
			"classId": "DataGenerator",
			"period": 50,
			"amplitude": 1.5,
			"output": {"hostname": "127.0.0.1"},
			"tags": ["a", "b"]
		}
	}`)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	gen := devices[0]
	assert.Equal(t, "gen", gen.DeviceID)
	assert.Equal(t, "DataGenerator", gen.ClassID)
	assert.False(t, gen.Config.Has("classId"))
	assert.Equal(t, int32(50), hash.GetOr(gen.Config, "period", int32(0)))
	assert.Equal(t, 1.5, hash.GetOr(gen.Config, "amplitude", 0.0))
	assert.Equal(t, "127.0.0.1", hash.GetOr(gen.Config, "output.hostname", ""))
	assert.Equal(t, []string{"a", "b"}, hash.GetOr(gen.Config, "tags", []string(nil)))

	assert.Equal(t, "sink", devices[1].DeviceID)
	assert.True(t, devices[1].Config.Empty())

	none, err := ParseInit("  ")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ParseInit(`{"x": {"period": 1}}`)
	assert.Error(t, err)
	_, err = ParseInit(`[1, 2]`)
	assert.Error(t, err)
}

func TestResolveServerIDPersists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "serverId.xml")

	first := &ServerConfig{ServerIDFile: file}
	id, err := ResolveServerID(first, "exflqr.desy.de")
	require.NoError(t, err)
	assert.Regexp(t, `^exflqr_desy_de_Server_\d+$`, id)
	assert.FileExists(t, file)

	again := &ServerConfig{ServerIDFile: file}
	id2, err := ResolveServerID(again, "otherhost")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	explicit := &ServerConfig{ServerID: "myServer", ServerIDFile: file}
	id3, err := ResolveServerID(explicit, "otherhost")
	require.NoError(t, err)
	assert.Equal(t, "myServer", id3)
}
