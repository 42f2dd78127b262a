package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Version string            `json:"version"`
	Total   uint64            `json:"total"`
	Built   time.Time         `json:"built"`
	Shards  []string          `json:"shards"`
	Files   map[string]string `json:"files"`
}

func TestCodecsInteroperate(t *testing.T) {
	in := sample{
		Version: "20240101T000000Z",
		Total:   300,
		Built:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Shards:  []string{"a", "b"},
		Files:   map[string]string{"index.ivfpq": "abc"},
	}

	for _, enc := range []Codec{JSON{}, GoJSON{}} {
		for _, dec := range []Codec{JSON{}, GoJSON{}} {
			t.Run(enc.Name()+"->"+dec.Name(), func(t *testing.T) {
				data, err := Pretty(enc, in)
				require.NoError(t, err)
				assert.Contains(t, string(data), "\n  \"version\"")

				var out sample
				require.NoError(t, dec.Unmarshal(data, &out))
				assert.Equal(t, in, out)
			})
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestMustMarshalPanics(t *testing.T) {
	assert.Panics(t, func() { MustMarshal(nil, make(chan int)) })
	assert.Equal(t, `{"a":1}`, string(MustMarshal(JSON{}, map[string]int{"a": 1})))
}

func BenchmarkManifestMarshal(b *testing.B) {
	in := sample{Version: "v", Total: 1, Shards: make([]string, 1000)}
	for _, c := range []Codec{JSON{}, GoJSON{}} {
		b.Run(c.Name(), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = MustMarshal(c, in)
			}
		})
	}
}
