package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"subflow/models"
)

// FrameRecord is one archived websocket frame.
type FrameRecord struct {
	Exchange   string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instrument string `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Key        string `parquet:"name=correlation_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Session    string `parquet:"name=session, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Buffered   bool   `parquet:"name=buffered, type=BOOLEAN"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
	Payload    string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newFrameRecord(f models.RawFrame) FrameRecord {
	return FrameRecord{
		Exchange:   f.Exchange,
		Instrument: f.Instrument,
		Key:        f.Key,
		Session:    f.Session,
		Sequence:   f.Sequence,
		Buffered:   f.Buffered,
		Timestamp:  f.Timestamp.UnixMilli(),
		Payload:    string(f.Data),
	}
}

// memoryFileWriter implements source.ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) { return mfw, nil }

// Seek only reports the current size; the parquet writer never rewinds.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) { return mfw.buffer.Read(b) }

func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }

func (mfw *memoryFileWriter) Close() error { return nil }

func (mfw *memoryFileWriter) Bytes() []byte { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeFrames renders frames as a parquet file.
func encodeFrames(frames []models.RawFrame, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(FrameRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, f := range frames {
		if err := pw.Write(newFrameRecord(f)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
