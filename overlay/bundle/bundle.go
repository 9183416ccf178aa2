// Package bundle reads and safely extracts sarafan content bundles: small
// deflate-compressed (ZIP) archives whose member names are restricted to a
// fixed extension allow-list, optionally carrying a content.json manifest
// that dictates how the bundle renders to markdown.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// ErrBundleFormat covers malformed content.json, or one that specifies
// neither an index nor inline text.
var ErrBundleFormat = errors.New("bundle: malformed bundle format")

// ErrUnsupportedVersion is returned when content.json's version is not "1.0".
var ErrUnsupportedVersion = errors.New("bundle: unsupported bundle version")

// ErrUnsafeContent is returned in strict extraction mode when a member's
// extension is not in the allow-list.
var ErrUnsafeContent = errors.New("bundle: unsafe bundle member")

const manifestName = "content.json"

// textExtensions and imageExtensions enumerate recognized index kinds, in
// the precedence order used when no manifest picks an explicit index.
var textExtensions = []string{"md", "txt"}
var imageExtensions = []string{"png", "jpg", "gif", "vgif"}

// AllowedExtensions is the full set of member extensions a bundle may carry,
// besides content.json itself.
var AllowedExtensions = append(append([]string{}, textExtensions...), imageExtensions...)

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func isAllowedExt(ext string) bool {
	for _, e := range AllowedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Manifest is the parsed content.json descriptor.
type Manifest struct {
	Version string `json:"version"`
	Index   string `json:"index,omitempty"`
	Text    string `json:"text,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// parseManifest validates content.json's invariants: version must be "1.0",
// and at least one of index/text must be present.
func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleFormat, err)
	}
	if m.Version != "1.0" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
	}
	if m.Index == "" && m.Text == "" {
		return nil, fmt.Errorf("%w: neither index nor text set", ErrBundleFormat)
	}
	return &m, nil
}

// Bundle wraps an opened ZIP archive and its optional manifest.
type Bundle struct {
	path     string
	zr       *zip.ReadCloser
	manifest *Manifest
}

// Open reads the bundle at path, parsing content.json if present.
func Open(path string) (*Bundle, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	b := &Bundle{path: path, zr: zr}

	if f := b.find(manifestName); f != nil {
		rc, err := f.Open()
		if err != nil {
			zr.Close()
			return nil, fmt.Errorf("%w: %v", ErrBundleFormat, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			zr.Close()
			return nil, fmt.Errorf("%w: %v", ErrBundleFormat, err)
		}
		manifest, err := parseManifest(data)
		if err != nil {
			zr.Close()
			return nil, err
		}
		b.manifest = manifest
	}
	return b, nil
}

// Close releases the underlying archive file handle.
func (b *Bundle) Close() error {
	return b.zr.Close()
}

func (b *Bundle) find(name string) *zip.File {
	for _, f := range b.zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (b *Bundle) readFile(name string) ([]byte, error) {
	f := b.find(name)
	if f == nil {
		return nil, fmt.Errorf("bundle: member %q not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// RenderMarkdown renders the bundle to its markdown representation.
//
// If a manifest is present, it is honoured: a text index renders as raw
// text, an image index renders as an image reference optionally followed by
// the manifest's text. Otherwise the first index file is picked by
// precedence: index.md, index.txt, then image indexes in the order png,
// jpg, gif, vgif.
func (b *Bundle) RenderMarkdown() (string, error) {
	if b.manifest != nil {
		return b.renderManifest(b.manifest)
	}

	for _, ext := range textExtensions {
		name := "index." + ext
		if b.find(name) != nil {
			data, err := b.readFile(name)
			if err != nil {
				return "", err
			}
			return renderText(string(data)), nil
		}
	}
	for _, ext := range imageExtensions {
		name := "index." + ext
		if b.find(name) != nil {
			return renderImage(name, ""), nil
		}
	}
	return "", fmt.Errorf("%w: no index file found", ErrBundleFormat)
}

func (b *Bundle) renderManifest(m *Manifest) (string, error) {
	if m.Index == "" {
		return renderText(m.Text), nil
	}
	ext := extOf(m.Index)
	switch {
	case ext == "":
		return "", fmt.Errorf("%w: index %q has no extension", ErrBundleFormat, m.Index)
	case containsExt(textExtensions, ext):
		data, err := b.readFile(m.Index)
		if err != nil {
			return "", err
		}
		return renderText(string(data)), nil
	case containsExt(imageExtensions, ext):
		return renderImage(m.Index, m.Text), nil
	default:
		return "", fmt.Errorf("%w: unsupported index extension %q", ErrBundleFormat, ext)
	}
}

func containsExt(list []string, ext string) bool {
	for _, e := range list {
		if e == ext {
			return true
		}
	}
	return false
}

func renderText(text string) string {
	return text
}

func renderImage(uri string, text string) string {
	content := fmt.Sprintf("![image](%s)", uri)
	if text != "" {
		content = content + "\n\n" + text
	}
	return content
}

// ExtractAll extracts members whose extension is in AllowedExtensions (plus
// content.json) into dest. In strict mode, a disallowed member aborts the
// extraction with ErrUnsafeContent; otherwise it is silently skipped.
//
// Extraction never writes outside dest: member paths are cleaned and
// rejected if they would escape it (path traversal).
func (b *Bundle) ExtractAll(dest string, strict bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir %s: %w", dest, err)
	}
	for _, f := range b.zr.File {
		if f.Name == manifestName {
			if err := extractMember(f, dest); err != nil {
				return err
			}
			continue
		}
		ext := extOf(f.Name)
		if !isAllowedExt(ext) {
			if strict {
				return fmt.Errorf("%w: %s", ErrUnsafeContent, f.Name)
			}
			log.Debug().Str("member", f.Name).Str("bundle", b.path).Msg("skipping disallowed bundle member")
			if kind, mErr := sniff(f); mErr == nil {
				log.Debug().Str("member", f.Name).Str("mime", kind).Msg("disallowed member content type")
			}
			continue
		}
		if err := extractMember(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(f *zip.File, dest string) error {
	cleaned := filepath.Clean(f.Name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("%w: path traversal in %q", ErrUnsafeContent, f.Name)
	}
	target := filepath.Join(dest, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: path traversal in %q", ErrUnsafeContent, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// sniff inspects a member's leading bytes to produce a diagnostic MIME type.
// It is never consulted for the allow-list decision, only for logging.
func sniff(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(rc, head)
	return mimetype.Detect(head[:n]).String(), nil
}
