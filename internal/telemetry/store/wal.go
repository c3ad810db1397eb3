package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Each open chunk keeps an append-only log so its readings survive a
// crash before compression. One log file per chunk, deleted when the
// chunk is compressed to Parquet.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][JSON reading]
const (
	walMagic         = uint64(0x4553505741460001) // "ESPWAF" + version 1
	walVersion       = uint32(1)
	walHeaderSize    = 12
	walRecHeaderSize = 8
)

// chunkLog is the append-only log for one open chunk.
type chunkLog struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

// openChunkLog opens (or creates) the log file for a chunk, positioned
// for appending.
func openChunkLog(path string) (*chunkLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}

	w := bufio.NewWriterSize(f, 64*1024)

	if stat.Size() == 0 {
		var header [walHeaderSize]byte
		binary.LittleEndian.PutUint64(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], walVersion)
		if _, err := w.Write(header[:]); err != nil {
			f.Close()
			return nil, fmt.Errorf("write wal header: %w", err)
		}
	}

	return &chunkLog{path: path, file: f, writer: w}, nil
}

// Append appends one reading and syncs it to disk. Writes are synced
// eagerly because the caller acknowledged the reading to the producer.
func (l *chunkLog) Append(rd *types.Reading) error {
	payload, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	var header [walRecHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("write record payload: %w", err)
	}

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	return l.file.Sync()
}

// Close closes the log file.
func (l *chunkLog) Close() error {
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Remove closes and deletes the log file.
func (l *chunkLog) Remove() error {
	l.file.Close()
	return os.Remove(l.path)
}

// replayChunkLog reads all valid records from a chunk log. It stops at
// the first corrupt record, keeping everything before it; a torn tail
// write loses only the unacknowledged reading.
func replayChunkLog(path string) ([]types.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)

	var header [walHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read wal header: %w", err)
	}

	if binary.LittleEndian.Uint64(header[0:8]) != walMagic {
		return nil, fmt.Errorf("bad wal magic in %s", path)
	}

	var readings []types.Reading
	for {
		var recHeader [walRecHeaderSize]byte
		if _, err := io.ReadFull(r, recHeader[:]); err != nil {
			break // EOF or torn header ends replay
		}

		length := binary.LittleEndian.Uint32(recHeader[0:4])
		crc := binary.LittleEndian.Uint32(recHeader[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn payload
		}

		if crc32.ChecksumIEEE(payload) != crc {
			break // corrupt record; nothing after it is trustworthy
		}

		var rd types.Reading
		if err := json.Unmarshal(payload, &rd); err != nil {
			break
		}

		readings = append(readings, rd)
	}

	return readings, nil
}
