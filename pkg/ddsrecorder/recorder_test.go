package ddsrecorder

import (
	"testing"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Output.OutputDir = t.TempDir()
	cfg.Output.MaxFileSize = config.ByteSize(1024 * 1024)
	cfg.Output.MaxSize = config.ByteSize(16 * 1024 * 1024)
	cfg.Output.SafetyMargin = config.ByteSize(1024)
	cfg.Handler.InitialState = "RUNNING"
	cfg.Handler.BufferSize = 8
	cfg.Handler.MaxPendingSamples = -1
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRecorderIngestsSchemaAndSamples(t *testing.T) {
	rec, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer rec.Close()

	assert.Equal(t, "RUNNING", rec.State().String())

	topic := Topic{Name: "/odom", TypeName: "nav_msgs/Odometry", MessageEncoding: "cdr", QoS: "reliable"}
	rec.AddSchema(DynamicType{TypeName: topic.TypeName, Body: []byte("struct Odometry {}")})

	now := time.Now()
	seq1 := rec.AddData(topic, []byte("sample-1"), now, now)
	seq2 := rec.AddData(topic, []byte("sample-2"), now.Add(time.Millisecond), now.Add(time.Millisecond))

	assert.NotZero(t, seq1)
	assert.Greater(t, seq2, seq1)

	assert.NoError(t, rec.Stop(false))
}

func TestRecorderDiskUsageAndHealthChecker(t *testing.T) {
	rec, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer rec.Close()
	defer rec.Stop(true)

	total, err := rec.DiskUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(0))

	status := rec.HealthChecker().Readiness()
	assert.True(t, status.OK, "expected readiness OK, got checks: %+v", status.Checks)
}

func TestRecorderArchivePingNilWhenDisabled(t *testing.T) {
	rec, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer rec.Close()
	defer rec.Stop(true)

	assert.Nil(t, rec.ArchivePing())
}
