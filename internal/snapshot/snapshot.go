// Package snapshot exports a point-in-time, non-tombstoned view of the
// CRDT store to a columnar Parquet file for offline analytics (spec
// §4.8 enrichment). It reuses the teacher's Arrow/Parquet dependency
// the same way internal/storage/parquet/writer.go does — a fixed Arrow
// schema, an array.Builder per column, one row group per export — but
// the schema is fixed rather than registry-driven, since this store's
// data model is schemaless JSON payloads rather than the teacher's
// catalog-typed tables (internal/catalog, internal/schema are dropped;
// see DESIGN.md).
package snapshot

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/storage/block"
)

var arrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "type_tag", Type: arrow.BinaryTypes.String},
	{Name: "tags", Type: arrow.BinaryTypes.String}, // comma-joined; schemaless payloads have no fixed tag cardinality
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
	{Name: "embedding", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Config controls row-group sizing and compression, mirroring
// internal/storage/parquet.Config.
type Config struct {
	Compression  compress.Compression
	RowGroupSize int64
}

func DefaultConfig() Config {
	return Config{Compression: compress.Codecs.Snappy, RowGroupSize: 64 * 1024}
}

// Writer exports crdtstore.Store snapshots to a block.Storage backend.
type Writer struct {
	storage block.Storage
	cfg     Config
}

func NewWriter(storage block.Storage, cfg Config) *Writer {
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = DefaultConfig().RowGroupSize
	}
	return &Writer{storage: storage, cfg: cfg}
}

// Export writes every live (non-tombstoned) record from store to a
// single Parquet file at path, returning the number of rows written.
// store.List is already a snapshot-consistent read (spec §5 "Listing
// is a snapshot iterator"), so Export needs no locking of its own.
func (w *Writer) Export(ctx context.Context, store *crdtstore.Store, path string) (int, error) {
	records := store.List()

	out, err := w.storage.Writer(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("snapshot: open output: %w", err)
	}
	defer out.Close()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.cfg.Compression),
		parquet.WithMaxRowGroupLength(w.cfg.RowGroupSize),
	)
	pqWriter, err := pqarrow.NewFileWriter(arrowSchema, out, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return 0, fmt.Errorf("snapshot: create parquet writer: %w", err)
	}
	defer pqWriter.Close()

	if len(records) == 0 {
		return 0, pqWriter.Close()
	}

	batch, err := recordsToArrowBatch(records)
	if err != nil {
		return 0, fmt.Errorf("snapshot: build arrow batch: %w", err)
	}
	defer batch.Release()

	if err := pqWriter.Write(batch); err != nil {
		return 0, fmt.Errorf("snapshot: write row group: %w", err)
	}
	if err := pqWriter.Close(); err != nil {
		return 0, fmt.Errorf("snapshot: close parquet writer: %w", err)
	}
	return len(records), nil
}

func recordsToArrowBatch(records []*crdtstore.Record) (arrow.Record, error) {
	pool := memory.NewGoAllocator()

	idBuilder := array.NewStringBuilder(pool)
	typeTagBuilder := array.NewStringBuilder(pool)
	tagsBuilder := array.NewStringBuilder(pool)
	payloadBuilder := array.NewBinaryBuilder(pool, arrow.BinaryTypes.Binary)
	embeddingBuilder := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
	embeddingValues := embeddingBuilder.ValueBuilder().(*array.Float32Builder)

	defer func() {
		idBuilder.Release()
		typeTagBuilder.Release()
		tagsBuilder.Release()
		payloadBuilder.Release()
		embeddingBuilder.Release()
	}()

	for _, rec := range records {
		idBuilder.Append(string(rec.ID))
		typeTagBuilder.Append(rec.TypeTag)
		tagsBuilder.Append(joinTags(rec.Tags))

		canonical, err := codec.Canonical(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("canonicalize payload for %s: %w", rec.ID, err)
		}
		payloadBuilder.Append(canonical)

		if rec.Embedding == nil {
			embeddingBuilder.AppendNull()
		} else {
			embeddingBuilder.Append(true)
			for _, f := range rec.Embedding {
				embeddingValues.Append(f)
			}
		}
	}

	idArr := idBuilder.NewArray()
	typeTagArr := typeTagBuilder.NewArray()
	tagsArr := tagsBuilder.NewArray()
	payloadArr := payloadBuilder.NewArray()
	embeddingArr := embeddingBuilder.NewArray()
	defer func() {
		idArr.Release()
		typeTagArr.Release()
		tagsArr.Release()
		payloadArr.Release()
		embeddingArr.Release()
	}()

	return array.NewRecord(arrowSchema, []arrow.Array{idArr, typeTagArr, tagsArr, payloadArr, embeddingArr}, int64(len(records))), nil
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
