// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package logexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ngocp-0847/explain-source/lib/codec"
	"github.com/ngocp-0847/explain-source/lib/schema/analysis"
)

// Format is the record encoding of an export.
type Format string

const (
	// FormatJSONL writes one JSON object per line.
	FormatJSONL Format = "jsonl"

	// FormatCBOR writes a CBOR sequence (RFC 8742), one data item per
	// entry, with deterministic encoding.
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a format name. The empty string means jsonl.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatJSONL:
		return FormatJSONL, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unknown export format %q (want jsonl or cbor)", name)
}

// Compression is the framing around the encoded records.
type Compression string

const (
	CompressionNone Compression = "none"

	// CompressionZstd suits logs best: they are text-like and
	// repetitive.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 trades ratio for speed. The LZ4 frame format is
	// used, so the output is readable by the lz4 command.
	CompressionLZ4 Compression = "lz4"
)

// ParseCompression parses a compression name. The empty string means
// none.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	}
	return "", fmt.Errorf("unknown export compression %q (want none, zstd, or lz4)", name)
}

// Options selects the export encoding.
type Options struct {
	Format      Format
	Compression Compression
}

// ContentType is the HTTP media type of the export.
func (o Options) ContentType() string {
	switch o.Compression {
	case CompressionZstd:
		return "application/zstd"
	case CompressionLZ4:
		return "application/x-lz4"
	}
	if o.Format == FormatCBOR {
		return "application/cbor-seq"
	}
	return "application/jsonl"
}

// FileName suggests a download name for ticketID's export.
func (o Options) FileName(ticketID string) string {
	name := "ticket-" + ticketID + "-logs." + string(o.Format)
	switch o.Compression {
	case CompressionZstd:
		name += ".zst"
	case CompressionLZ4:
		name += ".lz4"
	}
	return name
}

// Source yields a ticket's logs in persisted order. *store.Store
// implements it.
type Source interface {
	EachLog(ctx context.Context, ticketID string, fn func(analysis.LogEntry) error) error
}

// Write streams every log entry of ticketID to w and returns how many
// entries were written.
func Write(ctx context.Context, w io.Writer, source Source, ticketID string, options Options) (int, error) {
	sink, err := compressor(w, options.Compression)
	if err != nil {
		return 0, err
	}
	encode, err := encoder(sink, options.Format)
	if err != nil {
		return 0, err
	}

	count := 0
	err = source.EachLog(ctx, ticketID, func(entry analysis.LogEntry) error {
		if err := encode(entry); err != nil {
			return fmt.Errorf("encoding log %s: %w", entry.ID, err)
		}
		count++
		return nil
	})
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("finishing %s frame: %w", options.Compression, closeErr)
	}
	return count, err
}

// nopCloser adapts a plain writer to the compressor interface.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func compressor(w io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case "", CompressionNone:
		return nopCloser{w}, nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return encoder, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported export compression %q", compression)
}

func encoder(w io.Writer, format Format) (func(analysis.LogEntry) error, error) {
	switch format {
	case "", FormatJSONL:
		encoder := json.NewEncoder(w)
		// Raw lines carry code; keep <, >, & readable.
		encoder.SetEscapeHTML(false)
		return func(entry analysis.LogEntry) error { return encoder.Encode(entry) }, nil
	case FormatCBOR:
		encoder := codec.NewEncoder(w)
		return func(entry analysis.LogEntry) error { return encoder.Encode(entry) }, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

// Read decodes an export produced by Write with the same options.
func Read(r io.Reader, options Options) ([]analysis.LogEntry, error) {
	switch options.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer decoder.Close()
		r = decoder
	case CompressionLZ4:
		r = lz4.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported export compression %q", options.Compression)
	}

	var decode func(any) error
	switch options.Format {
	case "", FormatJSONL:
		decode = json.NewDecoder(r).Decode
	case FormatCBOR:
		decode = codec.NewDecoder(r).Decode
	default:
		return nil, fmt.Errorf("unsupported export format %q", options.Format)
	}

	var entries []analysis.LogEntry
	for {
		var entry analysis.LogEntry
		err := decode(&entry)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("decoding log %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
}
