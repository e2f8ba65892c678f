package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Parallel()

	c := Default()
	c.TxnLog.MaxAgeThreshold = 1.5
	require.Error(t, c.Validate())
}

func TestValidateRejectsSinkMissingURL(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Publisher.Sinks = []SinkConfiguration{{Type: "nats"}}
	require.Error(t, c.Validate())

	c.Publisher.Sinks = []SinkConfiguration{{Type: "nats", NatsURL: "nats://localhost:4222"}}
	require.NoError(t, c.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.toml")
	body := `
data_root = "/var/lib/stratum"

[txnlog]
max_segment_size_mb = 8
retention_hours = 24

[engine]
block_cache_size_mb = 128
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, Load(path))

	require.Equal(t, "/var/lib/stratum", Config.DataRoot)
	require.Equal(t, 8, Config.TxnLog.MaxSegmentSizeMB)
	require.Equal(t, 24, Config.TxnLog.RetentionHours)
	require.Equal(t, int64(128), Config.Engine.BlockCacheSizeMB)
	// Untouched sections keep defaults.
	require.Equal(t, 0.25, Config.TxnLog.MaxAgeThreshold)
}
