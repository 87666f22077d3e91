// Package metadata maintains minimal Iceberg style table metadata for the
// archived frame files so they can be queried with time travel.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes a single parquet file written by the frame writer.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	AddedFiles  int    `json:"added-files"`
	AddedRows   int64  `json:"added-records"`
}

type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator appends one snapshot per added file. It is safe for concurrent
// use.
type Generator struct {
	mu        sync.Mutex
	basePath  string
	location  string
	tableName string
	tableUUID string
	snapshots []Snapshot
	lastID    int64
}

// NewGenerator writes metadata under basePath for a table stored at
// location, e.g. s3://bucket/prefix.
func NewGenerator(basePath, location, tableName string) *Generator {
	return &Generator{
		basePath:  basePath,
		location:  location,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
}

// AddFile records a newly written parquet file and rewrites the table
// metadata. Snapshot ids are strictly increasing.
func (g *Generator) AddFile(df DataFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	if snapID <= g.lastID {
		snapID = g.lastID + 1
	}

	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	manifestPath := filepath.Join(g.basePath, "metadata", manifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return err
	}

	g.lastID = snapID
	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
		AddedFiles:  1,
		AddedRows:   df.RecordCount,
	})
	return g.writeTableMetadata()
}

func (g *Generator) writeTableMetadata() error {
	if len(g.snapshots) == 0 {
		return nil
	}
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         g.tableUUID,
		Location:          g.location,
		CurrentSnapshotID: g.snapshots[len(g.snapshots)-1].SnapshotID,
		Snapshots:         g.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.basePath, "metadata", "metadata.json"), b, 0o644)
}

// WriteCatalogEntry creates a catalog entry pointing at the table metadata.
func (g *Generator) WriteCatalogEntry(catalogDir string) error {
	entry := map[string]string{
		"name":              g.tableName,
		"location":          g.location,
		"metadata_location": filepath.Join(g.basePath, "metadata", "metadata.json"),
	}
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(catalogDir, g.tableName+".json"), b, 0o644)
}
