package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sarafanio/overlay/overlay/magnet"
)

// Build assembles a bundle archive from the files under dir, writing the
// deflate-compressed bytes to dst. Member names are the files' paths
// relative to dir, slash-separated. manifest, when non-nil, is validated and
// written as content.json. Files whose extension is not in
// AllowedExtensions fail the build with ErrUnsafeContent: a bundle that
// could not be extracted strictly must never be produced in the first
// place.
//
// Members are added in sorted name order with zeroed timestamps so the same
// directory always yields the same archive bytes, and therefore the same
// magnet.
func Build(dst io.Writer, dir string, manifest *Manifest) error {
	if manifest != nil {
		if manifest.Version == "" {
			manifest.Version = "1.0"
		}
		data, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBundleFormat, err)
		}
		if _, err := parseManifest(data); err != nil {
			return err
		}
	}

	var names []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("bundle: walk %s: %w", dir, err)
	}
	sort.Strings(names)

	zw := zip.NewWriter(dst)
	if manifest != nil {
		data, _ := json.Marshal(manifest)
		if err := writeMember(zw, manifestName, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	for _, name := range names {
		if name == manifestName {
			if manifest != nil {
				return fmt.Errorf("%w: %s present both on disk and as argument", ErrBundleFormat, manifestName)
			}
			f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
			if err != nil {
				return err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}
			if _, err := parseManifest(data); err != nil {
				return err
			}
			if err := writeMember(zw, manifestName, bytes.NewReader(data)); err != nil {
				return err
			}
			continue
		}
		if !isAllowedExt(extOf(name)) {
			return fmt.Errorf("%w: %s", ErrUnsafeContent, name)
		}
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return err
		}
		err = writeMember(zw, name, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeMember(zw *zip.Writer, name string, src io.Reader) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// BuildBytes builds a bundle from dir in memory and returns the archive
// bytes alongside their magnet. Bundles are small (the upload contract
// rejects anything over 10 MiB) so buffering is fine.
func BuildBytes(dir string, manifest *Manifest) ([]byte, magnet.Magnet, error) {
	var buf bytes.Buffer
	if err := Build(&buf, dir, manifest); err != nil {
		return nil, magnet.Magnet{}, err
	}
	return buf.Bytes(), magnet.FromBytes(buf.Bytes()), nil
}

// BuildText builds a single-manifest bundle carrying only inline text, the
// smallest publishable unit.
func BuildText(text string) ([]byte, magnet.Magnet, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	data, err := json.Marshal(&Manifest{Version: "1.0", Text: text})
	if err != nil {
		return nil, magnet.Magnet{}, fmt.Errorf("%w: %v", ErrBundleFormat, err)
	}
	if err := writeMember(zw, manifestName, strings.NewReader(string(data))); err != nil {
		return nil, magnet.Magnet{}, err
	}
	if err := zw.Close(); err != nil {
		return nil, magnet.Magnet{}, err
	}
	return buf.Bytes(), magnet.FromBytes(buf.Bytes()), nil
}
