package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		name    string
		store   StoreConfig
		wantErr string
	}{
		{"sqlite ok", StoreConfig{Driver: "sqlite", Path: "/tmp/x.db"}, ""},
		{"sqlite without path", StoreConfig{Driver: "sqlite"}, "store.path is required"},
		{"postgres without dsn", StoreConfig{Driver: "postgres"}, "store.dsn is required"},
		{"postgres ok", StoreConfig{Driver: "postgres", DSN: "postgres://localhost/regq"}, ""},
		{"memory ok", StoreConfig{Driver: "memory"}, ""},
		{"unknown driver", StoreConfig{Driver: "mysql"}, "store.driver must be"},
		{"negative pool", StoreConfig{Driver: "memory", MaxConns: -1}, "max_conns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStore(tt.store)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateQueue(t *testing.T) {
	q := Defaults().Queue
	require.NoError(t, ValidateQueue(q))

	bad := q
	bad.Workers = 0
	require.ErrorContains(t, ValidateQueue(bad), "queue.workers")

	bad = q
	bad.MaxAttempts = 0
	require.ErrorContains(t, ValidateQueue(bad), "queue.max_attempts")

	bad = q
	bad.InitialBackoff = time.Minute
	bad.MaxBackoff = time.Second
	require.ErrorContains(t, ValidateQueue(bad), "exceeds queue.max_backoff")

	bad = q
	bad.DispatchInterval = -time.Second
	require.ErrorContains(t, ValidateQueue(bad), "must not be negative")
}

func TestValidateQueue_StaleAfterOutlastsSlowestStep(t *testing.T) {
	q := Defaults().Queue
	require.Equal(t, 3*2*time.Minute+2*10*time.Second, q.MaxStepDuration())
	require.Greater(t, q.StaleAfter, q.MaxStepDuration())

	// Longer than one step timeout but shorter than three with backoff.
	bad := q
	bad.StaleAfter = 5 * time.Minute
	require.ErrorContains(t, ValidateQueue(bad), "queue.stale_after (5m0s) must exceed")

	bad.StaleAfter = q.MaxStepDuration()
	require.Error(t, ValidateQueue(bad), "equal is not enough")

	ok := q
	ok.StaleAfter = q.MaxStepDuration() + time.Second
	require.NoError(t, ValidateQueue(ok))

	unbounded := q
	unbounded.StepTimeout = 0
	unbounded.StaleAfter = time.Minute
	require.Zero(t, unbounded.MaxStepDuration())
	require.NoError(t, ValidateQueue(unbounded))
}

func TestValidateCarrier(t *testing.T) {
	c := Defaults().Carrier
	require.NoError(t, ValidateCarrier(c))

	exec := c
	exec.Mode = "exec"
	require.ErrorContains(t, ValidateCarrier(exec), "carrier.commands.carrier_session is required")

	exec.Commands = map[string][]string{
		"carrier_session": {"true"},
		"fill_name":       {"true"},
		"fill_cne":        {"true"},
	}
	require.NoError(t, ValidateCarrier(exec))

	exec.Commands["fill_address"] = []string{"true"}
	require.ErrorContains(t, ValidateCarrier(exec), "unknown step")

	badTemplate := c
	badTemplate.USSDTemplate = "#555*1#"
	require.ErrorContains(t, ValidateCarrier(badTemplate), "{phone} and {puk}")

	reserved := c
	reserved.RetryableExitCodes = []int{3}
	require.ErrorContains(t, ValidateCarrier(reserved), "reserved")

	rate := c
	rate.SimulatedFailureRate = 1.5
	require.Error(t, ValidateCarrier(rate))

	mode := c
	mode.Mode = "sms"
	require.ErrorContains(t, ValidateCarrier(mode), "carrier.mode")
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{}))
	require.Error(t, ValidateTracing(TracingConfig{SampleRate: 2}))
	require.Error(t, ValidateTracing(TracingConfig{Exporter: "zipkin"}))
	require.ErrorContains(t, ValidateTracing(TracingConfig{Enabled: true, Exporter: "file"}), "file_path")
	require.ErrorContains(t, ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"}), "otlp_endpoint")
}

// TestDefaultConfigTemplate_Decodes checks that the written template decodes
// through viper into the same values Defaults() carries.
func TestDefaultConfigTemplate_Decodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	d := Defaults()
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, d.Queue, cfg.Queue)
	require.Equal(t, DefaultUSSDTemplate, cfg.Carrier.USSDTemplate)
	require.Equal(t, d.Cache, cfg.Cache)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestSetValue_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SetValue(path, "queue.workers", "4"))
	require.NoError(t, SetValue(path, "api.addr", "127.0.0.1:9090"))
	require.NoError(t, SetValue(path, "carrier.retryable_exit_codes", "[75, 76]"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# concurrent worker loops")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	require.Equal(t, 4, v.GetInt("queue.workers"))
	require.Equal(t, "127.0.0.1:9090", v.GetString("api.addr"))
	require.Equal(t, []int{75, 76}, v.GetIntSlice("carrier.retryable_exit_codes"))
	require.Equal(t, 2*time.Second, v.GetDuration("queue.poll_interval"), "untouched keys survive")
}

func TestSetValue_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SetValue(path, "store.driver", "memory"))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	require.Equal(t, "memory", v.GetString("store.driver"))
}

func TestSetValue_InvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.Error(t, SetValue(path, "queue..workers", "1"))
}
