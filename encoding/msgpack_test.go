package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type catalogRecord struct {
	ID        uint32
	Name      string
	CreatedAt int64
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	t.Parallel()

	in := catalogRecord{ID: 7, Name: "events", CreatedAt: 1736000000}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out catalogRecord
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalLooseInterfaceKeepsStrings(t *testing.T) {
	t.Parallel()

	data, err := Marshal(map[string]interface{}{"event": "committed", "txn": uint32(42)})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	// Strings must decode as strings, not []byte.
	require.IsType(t, "", out["event"])
	require.Equal(t, "committed", out["event"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()

	var out catalogRecord
	require.Error(t, Unmarshal([]byte{0xc1, 0xff, 0x00}, &out))
}
