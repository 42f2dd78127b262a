package artifact

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/hupe1980/paperdex/codec"
	"github.com/hupe1980/paperdex/model"
)

// FormatVersion is the manifest schema version.
const FormatVersion = 1

// ShardInfo records one ingested shard.
type ShardInfo struct {
	Name    string   `json:"name"`
	Rows    uint64   `json:"rows"`
	FirstID model.ID `json:"first_id"`
	LastID  model.ID `json:"last_id"`
}

// FileInfo describes one artifact file.
type FileInfo struct {
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// Manifest describes a published artifact.
type Manifest struct {
	FormatVersion  int                 `json:"format_version"`
	Version        string              `json:"version"`
	Mode           model.Mode          `json:"mode"`
	Dimension      int                 `json:"dimension"`
	Metric         string              `json:"metric"`
	NList          int                 `json:"nlist"`
	M              int                 `json:"m"`
	Bits           int                 `json:"bits"`
	NProbe         int                 `json:"nprobe"`
	Compression    string              `json:"compression"`
	TotalIndexed   uint64              `json:"total_indexed"`
	BuildTimestamp time.Time           `json:"build_timestamp"`
	EmbeddingModel string              `json:"embedding_model,omitempty"`
	Codec          string              `json:"codec"`
	Shards         []ShardInfo         `json:"shards"`
	Skipped        []string            `json:"skipped,omitempty"`
	Files          map[string]FileInfo `json:"files"`
}

// Stats returns the serving statistics of the artifact.
func (m *Manifest) Stats() model.Stats {
	return model.Stats{
		TotalIndexed:   m.TotalIndexed,
		Mode:           m.Mode,
		Dimensionality: m.Dimension,
		BuildTimestamp: m.BuildTimestamp,
		Version:        m.Version,
		Metric:         m.Metric,
		NList:          m.NList,
		M:              m.M,
		Bits:           m.Bits,
		EmbeddingModel: m.EmbeddingModel,
	}
}

// EncodeManifest renders m as indented JSON with c (codec.Default when nil).
func EncodeManifest(m *Manifest, c codec.Codec) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	m.FormatVersion = FormatVersion
	m.Codec = c.Name()
	return codec.Pretty(c, m)
}

// DecodeManifest parses and validates a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return nil, model.Corruptf("manifest: %v", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, model.Corruptf("unsupported manifest version %d (expected %d)", m.FormatVersion, FormatVersion)
	}
	if m.Version == "" || m.Dimension <= 0 {
		return nil, model.Corruptf("manifest is missing version or dimension")
	}
	return &m, nil
}

// NewVersion returns a version name for a build started at t. Names sort in
// build order.
func NewVersion(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the size and CRC32C of r's content.
func Checksum(r io.Reader) (FileInfo, error) {
	h := crc32.New(castagnoli)
	n, err := io.Copy(h, r)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: n, CRC32C: h.Sum32()}, nil
}

func checksumFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()
	info, err := Checksum(f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("checksum %s: %w", path, err)
	}
	return info, nil
}
