package backup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Archive format: a zstd stream of newline-delimited JSON. The first
// line is the header, every following line is one reading. The checksum
// is the xxhash64 of the compressed bytes, so verification does not need
// to decompress to detect corruption in transit.
const archiveVersion = 1

// archiveHeader is the first line of every archive.
type archiveHeader struct {
	Version       int    `json:"version"`
	BackupID      string `json:"backup_id"`
	CoversStartMs int64  `json:"covers_start_ms"`
	CoversEndMs   int64  `json:"covers_end_ms"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	ReadingCount  int64  `json:"reading_count"`
}

// writeArchive encodes readings to w and returns the checksum of the
// written bytes.
func writeArchive(w io.Writer, header archiveHeader, readings []types.Reading) (string, error) {
	header.Version = archiveVersion
	header.ReadingCount = int64(len(readings))

	digest := xxhash.New()
	enc, err := zstd.NewWriter(io.MultiWriter(w, digest))
	if err != nil {
		return "", fmt.Errorf("create compressor: %w", err)
	}

	bw := bufio.NewWriterSize(enc, 64*1024)

	if err := writeLine(bw, header); err != nil {
		enc.Close()
		return "", err
	}
	for i := range readings {
		if err := writeLine(bw, &readings[i]); err != nil {
			enc.Close()
			return "", err
		}
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close compressor: %w", err)
	}

	return checksumString(digest), nil
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode archive line: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write archive line: %w", err)
	}
	return w.WriteByte('\n')
}

// readArchive decodes an archive, returning its header, readings, and
// the checksum of the raw bytes consumed.
func readArchive(r io.Reader) (archiveHeader, []types.Reading, string, error) {
	var header archiveHeader

	digest := xxhash.New()
	dec, err := zstd.NewReader(io.TeeReader(r, digest))
	if err != nil {
		return header, nil, "", fmt.Errorf("create decompressor: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, "", fmt.Errorf("read archive header: %w", err)
		}
		return header, nil, "", fmt.Errorf("archive is empty")
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, "", fmt.Errorf("decode archive header: %w", err)
	}
	if header.Version != archiveVersion {
		return header, nil, "", fmt.Errorf("unsupported archive version %d", header.Version)
	}

	readings := make([]types.Reading, 0, header.ReadingCount)
	for scanner.Scan() {
		var rd types.Reading
		if err := json.Unmarshal(scanner.Bytes(), &rd); err != nil {
			return header, nil, "", fmt.Errorf("decode archive reading: %w", err)
		}
		readings = append(readings, rd)
	}
	if err := scanner.Err(); err != nil {
		return header, nil, "", fmt.Errorf("read archive: %w", err)
	}

	// Drain any trailing compressed bytes so the checksum covers the
	// whole object.
	if _, err := io.Copy(io.Discard, io.TeeReader(r, digest)); err != nil {
		return header, nil, "", fmt.Errorf("drain archive: %w", err)
	}

	return header, readings, checksumString(digest), nil
}

func checksumString(h hash.Hash64) string {
	return fmt.Sprintf("xxh64:%016x", h.Sum64())
}
