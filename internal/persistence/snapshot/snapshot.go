package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

var ErrKindMismatch = errors.New("snapshot kind mismatch")

type Header struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	WorldID string `json:"world_id,omitempty"`
	Tick    uint64 `json:"tick"`
	Count   int    `json:"count"`
}

const KindRegistry = "claimant_registry"

type RegistryV1 struct {
	Header    Header        `json:"header"`
	Claimants []ClaimantV1 `json:"claimants"`
}

type ClaimantV1 struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Claim    *ClaimV1    `json:"claim,omitempty"`
	Position *PositionV1 `json:"position,omitempty"`
}

type ClaimV1 struct {
	CenterX int32 `json:"centerX"`
	CenterZ int32 `json:"centerZ"`
	Radius  int32 `json:"radius"`
}

type PositionV1 struct {
	Pos  [3]float64 `json:"pos"`
	Rot  [3]float64 `json:"rot"`
	Tick uint64     `json:"tick"`
}

// Marshal frames v as a JSON header line followed by a gob body, zstd compressed.
func Marshal(h Header, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, h, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a blob produced by Marshal into v. When kind is not
// empty the header kind must match.
func Unmarshal(b []byte, kind string, v any) (Header, error) {
	return decode(bytes.NewReader(b), kind, v)
}

func encode(w io.Writer, h Header, v any) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, err := json.Marshal(h)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(v); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func decode(r io.Reader, kind string, v any) (Header, error) {
	var h Header
	dec, err := zstd.NewReader(r)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	if kind != "" && h.Kind != kind {
		return h, fmt.Errorf("%w: got %q want %q", ErrKindMismatch, h.Kind, kind)
	}
	if err := gob.NewDecoder(br).Decode(v); err != nil {
		return h, fmt.Errorf("gob decode: %w", err)
	}
	return h, nil
}

func WriteFile(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
