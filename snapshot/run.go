package snapshot

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"

	"ember/log"
)

// Spill runs are the reducer's sorted on-disk overflow: a flat file
// of CRC-framed records in (storage, key, ordinal) order, merged back
// during the merge phase.

const runFrameHeaderSize = 8

// RunWriter appends sorted records to one spill-run file.
type RunWriter struct {
	file   *os.File
	writer *bufio.Writer
	count  uint64
}

// CreateRun creates a spill-run file at path.
func CreateRun(path string) (*RunWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating spill run %s", path)
	}
	return &RunWriter{
		file:   f,
		writer: bufio.NewWriterSize(f, 1<<20),
	}, nil
}

// Append frames and writes one record.
func (w *RunWriter) Append(rec *log.Record) error {
	payload := log.Encode(nil, rec)
	var header [runFrameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.writer.Write(header[:]); err != nil {
		return errors.Wrap(err, "writing run frame header")
	}
	if _, err := w.writer.Write(payload); err != nil {
		return errors.Wrap(err, "writing run frame payload")
	}
	w.count++
	return nil
}

// Count returns the number of appended records.
func (w *RunWriter) Count() uint64 { return w.count }

// Close flushes and closes the run.
func (w *RunWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flushing spill run")
	}
	return w.file.Close()
}

// RunReader scans a spill-run file back in order.
type RunReader struct {
	file   *os.File
	reader *bufio.Reader
}

// OpenRun opens a spill-run file for scanning.
func OpenRun(path string) (*RunReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening spill run %s", path)
	}
	return &RunReader{
		file:   f,
		reader: bufio.NewReaderSize(f, 1<<20),
	}, nil
}

// Next returns the next record, or nil at end of run.
func (r *RunReader) Next() (*log.Record, error) {
	var header [runFrameHeaderSize]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading run frame header")
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, errors.Wrap(err, "reading run frame payload")
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errors.New("snapshot: spill run crc mismatch")
	}
	return log.Decode(payload)
}

func (r *RunReader) Close() error {
	return r.file.Close()
}
