// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// headerSize is the CRC32 prefix of every record.
const headerSize = 4

// frame compresses payload and prefixes the big-endian CRC32 (IEEE) of
// the compressed bytes.
func frame(payload []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:headerSize], crc32.ChecksumIEEE(out[headerSize:]))
	return out, nil
}

// unframe verifies and decompresses a record written by frame.
func unframe(key string, record []byte) ([]byte, error) {
	if len(record) < headerSize {
		return nil, &CorruptedError{Key: key, Reason: "record shorter than header"}
	}
	want := binary.BigEndian.Uint32(record[:headerSize])
	body := record[headerSize:]
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, &CorruptedError{Key: key, Reason: fmt.Sprintf("crc32 mismatch: stored %08x, computed %08x", want, got)}
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, &CorruptedError{Key: key, Reason: "gzip header: " + err.Error()}
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, &CorruptedError{Key: key, Reason: "gzip body: " + err.Error()}
	}
	return payload, nil
}
