package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/compression"
)

const (
	indexFile    = "index.cbor"
	indexVersion = 1
	tempPrefix   = ".tmp-"
)

type record struct {
	Digest digest.Digest     `cbor:"1,keyasint"`
	Size   int64             `cbor:"2,keyasint"`
	Stored int64             `cbor:"3,keyasint"`
	Codec  compression.Codec `cbor:"4,keyasint"`
	Access int64             `cbor:"5,keyasint"`
}

type indexDoc struct {
	Version int      `cbor:"1,keyasint"`
	Entries []record `cbor:"2,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeIndex(records []record) ([]byte, error) {
	return encMode.Marshal(indexDoc{Version: indexVersion, Entries: records})
}

func decodeIndex(data []byte) ([]record, error) {
	var doc indexDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", doc.Version)
	}
	return doc.Entries, nil
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// scanBlobs walks the blob tree and calls fn for every well-formed blob
// path. Leftover temp files are removed.
func scanBlobs(root string, fn func(d digest.Digest, path string) error) error {
	return filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		if strings.HasPrefix(de.Name(), tempPrefix) {
			os.Remove(path)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		d := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[1]+parts[2])
		if d.Validate() != nil {
			return nil
		}
		return fn(d, path)
	})
}
