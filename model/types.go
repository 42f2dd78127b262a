package model

import (
	"fmt"
	"strings"
	"time"
)

// ID is the stable 64-bit chunk identifier assigned at ingestion time.
type ID uint64

// Attributes holds the descriptive fields of a chunk.
type Attributes struct {
	Title       string `json:"title"`
	Date        string `json:"date"`
	Publication string `json:"publication"`
	ArticleID   string `json:"article_id,omitempty"`
}

// Location is the byte range of a chunk's CSV record inside its shard.
type Location struct {
	Shard  string `json:"shard"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("%s@%d+%d", l.Shard, l.Offset, l.Length)
}

// Row is one metadata store entry.
type Row struct {
	ID ID
	Attributes
	Location Location
}

// Neighbor is a single approximate nearest-neighbor result.
type Neighbor struct {
	ID       ID
	Distance float32
}

// Passage is a retrieved, resolved chunk ready to be cited.
type Passage struct {
	ID          ID      `json:"id"`
	Score       float32 `json:"score"`
	Distance    float32 `json:"distance"`
	Title       string  `json:"title"`
	Date        string  `json:"date"`
	Publication string  `json:"publication"`
	ArticleID   string  `json:"article_id,omitempty"`
	Text        string  `json:"text"`
	Link        string  `json:"link,omitempty"`

	// Err is set when metadata or text could not be resolved for this id.
	// The passage keeps its rank so a single bad id never hides the others.
	Err error `json:"-"`
}

// Missing reports whether the passage failed to resolve.
func (p Passage) Missing() bool { return p.Err != nil }

// Mode identifies how an artifact was built.
type Mode int

const (
	ModeQuickStart Mode = iota
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeQuickStart:
		return "quick-start"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "quick-start" or "full".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quick-start", "quickstart", "quick", "lite":
		return ModeQuickStart, nil
	case "full":
		return ModeFull, nil
	default:
		return 0, fmt.Errorf("unknown index mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Stats describes the artifact a retriever is serving.
type Stats struct {
	TotalIndexed   uint64    `json:"total_indexed"`
	Mode           Mode      `json:"index_mode"`
	Dimensionality int       `json:"dimensionality"`
	BuildTimestamp time.Time `json:"build_timestamp"`
	Version        string    `json:"version,omitempty"`
	Metric         string    `json:"metric,omitempty"`
	NList          int       `json:"nlist,omitempty"`
	M              int       `json:"m,omitempty"`
	Bits           int       `json:"bits,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
}
