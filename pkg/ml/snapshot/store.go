// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// JSONNameSuffix is the suffix of the metadata file of a saved snapshot.
	JSONNameSuffix = ".json"

	// BinDataSuffix is the suffix of the file holding the values of a saved snapshot.
	BinDataSuffix = ".bin"

	// FilePermMode is the permission (before umask) of the files written by the Store.
	FilePermMode = os.FileMode(0644)

	// DirPermMode is the permission (before umask) of the directory created by NewStore.
	DirPermMode = os.FileMode(0755)
)

// Format header of the binary file, followed by the gzip stream of little-endian float64 values.
//
// ---------------------------------------------
// | 0                 16 | 17  | 18   17 +len |
// ---------------------------------------------
// |  "netmerge_snapshot" | len |  "gzip"      |
const (
	binHeader  = "netmerge_snapshot"
	gzipFormat = "gzip"
)

// Store saves and loads snapshots by name in a directory. Each snapshot is saved as two files,
// "<name>.json" with the metadata and "<name>.bin" with the values.
type Store struct {
	dir string
}

// NewStore returns a Store on dir, creating the directory if needed. A leading "~" is replaced by the
// user's home directory.
func NewStore(dir string) (*Store, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create snapshot store directory %q", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return "snapshot.Store(" + s.dir + ")"
}

// serializedData is the metadata saved in the JSON file.
type serializedData struct {
	// Operations in the snapshot, in sorted order.
	Operations []serializedOperation

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string

	// Digest of the snapshot, verified when loading.
	Digest string
}

type serializedOperation struct {
	Name  string
	Blobs []serializedBlob
}

// serializedBlob describes one tensor: its dimensions and position (in values, not bytes) in the
// decompressed binary data.
type serializedBlob struct {
	Dimensions  []int
	Pos, Length int
}

func (s *Store) paths(name string) (jsonPath, binPath string, err error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", "", errors.Errorf("%s: invalid snapshot name %q", s, name)
	}
	base := filepath.Join(s.dir, name)
	return base + JSONNameSuffix, base + BinDataSuffix, nil
}

// Save writes snap under the given name, replacing any previous snapshot with that name.
// The binary file is written first and the metadata last, both atomically: a snapshot is only
// listed (see List) once it is complete.
func (s *Store) Save(name string, snap *Snapshot) error {
	jsonPath, binPath, err := s.paths(name)
	if err != nil {
		return err
	}

	var bin bytes.Buffer
	bin.WriteString(binHeader)
	bin.WriteByte(byte(len(gzipFormat)))
	bin.WriteString(gzipFormat)
	zw := gzip.NewWriter(&bin)
	serialized := serializedData{BinFormat: gzipFormat, Digest: snap.Digest()}
	var pos int
	var buf []byte
	for _, opName := range snap.names {
		op := serializedOperation{Name: opName}
		for _, blob := range snap.blobs[opName] {
			buf = buf[:0]
			for _, v := range blob.data {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
			}
			if _, err = zw.Write(buf); err != nil {
				return errors.Wrapf(err, "%s: failed to compress %q", s, opName)
			}
			op.Blobs = append(op.Blobs, serializedBlob{Dimensions: slices.Clone(blob.shape), Pos: pos, Length: len(blob.data)})
			pos += len(blob.data)
		}
		serialized.Operations = append(serialized.Operations, op)
	}
	if err = zw.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to compress snapshot %q", s, name)
	}
	metadata, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode metadata of snapshot %q", s, name)
	}

	if err = fsutil.WriteFileAtomic(binPath, bin.Bytes(), FilePermMode); err != nil {
		return errors.WithMessagef(err, "%s: saving snapshot %q", s, name)
	}
	if err = fsutil.WriteFileAtomic(jsonPath, metadata, FilePermMode); err != nil {
		return errors.WithMessagef(err, "%s: saving snapshot %q", s, name)
	}
	klog.V(1).Infof("%s: saved snapshot %q (%d operations, %d values, digest %.12s)",
		s, name, snap.Len(), pos, serialized.Digest)
	return nil
}

// Load reads the snapshot saved under name. Missing snapshots return an error for which
// errors.Is(err, os.ErrNotExist) is true.
func (s *Store) Load(name string) (*Snapshot, error) {
	jsonPath, binPath, err := s.paths(name)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(jsonPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		available, _ := s.List()
		return nil, errors.Wrapf(os.ErrNotExist, "%s: no snapshot %q, available snapshots are %q", s, name, available)
	}
	metadata, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read snapshot %q", s, name)
	}
	var serialized serializedData
	dec := json.NewDecoder(bytes.NewReader(metadata))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&serialized); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode metadata file %q", s, jsonPath)
	}
	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open data file of snapshot %q", s, name)
	}
	defer func() { _ = binFile.Close() }()
	values, err := readValues(binFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: reading %q", s, binPath)
	}

	b := Build()
	for _, op := range serialized.Operations {
		blobs := make([]*Tensor, 0, len(op.Blobs))
		for _, blob := range op.Blobs {
			if blob.Pos < 0 || blob.Length < 0 || blob.Pos+blob.Length > len(values) {
				return nil, errors.Errorf("%s: snapshot %q: blob of %q at [%d, %d) is out of the %d values stored",
					s, name, op.Name, blob.Pos, blob.Pos+blob.Length, len(values))
			}
			tensor, err := NewTensor(blob.Dimensions, values[blob.Pos:blob.Pos+blob.Length])
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: snapshot %q, operation %q", s, name, op.Name)
			}
			blobs = append(blobs, tensor)
		}
		b.Set(op.Name, blobs...)
	}
	snap, err := b.Done()
	if err != nil {
		return nil, err
	}
	if digest := snap.Digest(); digest != serialized.Digest {
		return nil, errors.Errorf("%s: snapshot %q is corrupted: digest %s does not match the saved %s",
			s, name, digest, serialized.Digest)
	}
	return snap, nil
}

// readValues checks the header and decompresses the float64 values.
func readValues(r io.Reader) ([]float64, error) {
	header := make([]byte, len(binHeader)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(header[:len(binHeader)]) != binHeader {
		return nil, errors.New("not a snapshot data file")
	}
	format := make([]byte, header[len(binHeader)])
	if _, err := io.ReadFull(r, format); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(format) != gzipFormat {
		return nil, errors.Errorf("unsupported compression %q", format)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	if len(raw)%8 != 0 {
		return nil, errors.Errorf("data size %d is not a multiple of 8 bytes", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for ii := range values {
		values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*ii:]))
	}
	return values, nil
}

// List returns the sorted names of the snapshots in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to list snapshots", s)
	}
	var names []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), JSONNameSuffix)
		if !ok || entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes the snapshot saved under name.
func (s *Store) Delete(name string) error {
	jsonPath, binPath, err := s.paths(name)
	if err != nil {
		return err
	}
	// Metadata first, so a partially deleted snapshot is no longer listed.
	for _, path := range []string{jsonPath, binPath} {
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "%s: failed to delete snapshot %q", s, name)
		}
	}
	return nil
}
