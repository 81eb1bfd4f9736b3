// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog persists lifecycle and routing event records so an
// operator can replay what the realm did.
//
// A log is a file header followed by frames. Each frame holds a batch
// of CBOR-encoded [event.Record] values, optionally compressed with
// LZ4 or zstd, and a BLAKE3 checksum of the uncompressed batch:
//
//	header:  "RLOG" version(1)
//	frame:   compression(1) count(4) size(4) stored(4) checksum(8) payload
//
// Integers are big-endian. Frames whose payload does not shrink are
// written uncompressed whatever the writer's setting.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/realm/lib/codec"
	"github.com/bureau-foundation/realm/lib/event"
)

const (
	magic         = "RLOG"
	formatVersion = 1

	frameHeaderSize = 1 + 4 + 4 + 4 + 8

	// maxFrameSize rejects corrupt size fields before allocating.
	maxFrameSize = 64 << 20

	// DefaultBatchSize is the number of records per frame when the
	// writer is not flushed earlier.
	DefaultBatchSize = 256
)

// ErrCorrupt is returned by the reader for malformed logs.
var ErrCorrupt = errors.New("eventlog: corrupt log")

// Writer appends records to a log. It is not safe for concurrent use.
type Writer struct {
	out         io.Writer
	compression Compression
	batchSize   int

	batch   bytes.Buffer
	encoder *codec.Encoder
	count   int

	wroteHeader bool
}

// NewWriter returns a writer producing a new log on out.
func NewWriter(out io.Writer, compression Compression, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	w := &Writer{out: out, compression: compression, batchSize: batchSize}
	w.encoder = codec.NewEncoder(&w.batch)
	return w
}

// Append adds record to the current batch, writing a frame when the
// batch is full.
func (w *Writer) Append(record event.Record) error {
	if err := w.encoder.Encode(record); err != nil {
		return fmt.Errorf("encoding record %s: %w", record.ID, err)
	}
	w.count++
	if w.count >= w.batchSize {
		return w.Flush()
	}
	return nil
}

// Pending returns the number of records not yet written as a frame.
func (w *Writer) Pending() int { return w.count }

// Flush writes the current batch as a frame. It does nothing when the
// batch is empty.
func (w *Writer) Flush() error {
	if !w.wroteHeader {
		if _, err := w.out.Write(append([]byte(magic), formatVersion)); err != nil {
			return fmt.Errorf("writing log header: %w", err)
		}
		w.wroteHeader = true
	}
	if w.count == 0 {
		return nil
	}

	raw := w.batch.Bytes()
	compression := w.compression
	stored, err := compress(raw, compression)
	if errors.Is(err, errIncompressible) {
		stored, compression, err = raw, CompressionNone, nil
	}
	if err != nil {
		return err
	}
	if len(raw) > maxFrameSize {
		return fmt.Errorf("eventlog: batch of %d bytes exceeds frame limit", len(raw))
	}

	var header [frameHeaderSize]byte
	header[0] = byte(compression)
	binary.BigEndian.PutUint32(header[1:5], uint32(w.count))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(raw)))
	binary.BigEndian.PutUint32(header[9:13], uint32(len(stored)))
	sum := blake3.Sum256(raw)
	copy(header[13:21], sum[:8])

	if _, err := w.out.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.out.Write(stored); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	w.batch.Reset()
	w.count = 0
	return nil
}

// Reader iterates the records of a log.
type Reader struct {
	in      *bufio.Reader
	header  bool
	records []event.Record
}

// NewReader returns a reader over a log produced by Writer.
func NewReader(in io.Reader) *Reader {
	return &Reader{in: bufio.NewReader(in)}
}

// Next returns the next record, or io.EOF at a clean end of log. A log
// truncated inside a frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (event.Record, error) {
	if !r.header {
		if err := r.readHeader(); err != nil {
			return event.Record{}, err
		}
		r.header = true
	}
	for len(r.records) == 0 {
		if err := r.readFrame(); err != nil {
			return event.Record{}, err
		}
	}
	record := r.records[0]
	r.records = r.records[1:]
	return record, nil
}

// All reads every remaining record.
func (r *Reader) All() ([]event.Record, error) {
	var records []event.Record
	for {
		record, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
}

func (r *Reader) readHeader() error {
	var header [len(magic) + 1]byte
	if _, err := io.ReadFull(r.in, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("%w: reading header: %v", ErrCorrupt, err)
	}
	if string(header[:len(magic)]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, header[:len(magic)])
	}
	if header[len(magic)] != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, header[len(magic)])
	}
	return nil
}

func (r *Reader) readFrame() error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.in, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	compression := Compression(header[0])
	count := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint32(header[5:9])
	storedSize := binary.BigEndian.Uint32(header[9:13])
	if size > maxFrameSize || storedSize > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrCorrupt, max(size, storedSize))
	}

	stored := make([]byte, storedSize)
	if _, err := io.ReadFull(r.in, stored); err != nil {
		return io.ErrUnexpectedEOF
	}
	raw, err := decompress(stored, compression, int(size))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:8], header[13:21]) {
		return fmt.Errorf("%w: frame checksum mismatch", ErrCorrupt)
	}

	decoder := codec.NewDecoder(bytes.NewReader(raw))
	records := make([]event.Record, 0, count)
	for range count {
		var record event.Record
		if err := decoder.Decode(&record); err != nil {
			return fmt.Errorf("%w: decoding record: %v", ErrCorrupt, err)
		}
		records = append(records, record)
	}
	r.records = records
	return nil
}
