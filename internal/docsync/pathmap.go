package docsync

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key identifies a document independently of where it lives: a
// slash-separated path relative to the device root collection on one
// side and to the local sync folder on the other. "Papers/a.pdf" is the
// key of both "Document/Papers/a.pdf" and "<local>/Papers/a.pdf".
type Key string

// PathMapper converts between device paths and keys.
type PathMapper struct {
	root string
}

// NewPathMapper returns a mapper for the named root collection.
func NewPathMapper(root string) PathMapper {
	return PathMapper{root: strings.Trim(root, "/")}
}

// Root returns the root collection name.
func (m PathMapper) Root() string { return m.root }

// ToRelative strips the root segment from a device path. The root itself
// maps to the empty key. A path outside the root is returned unchanged.
func (m PathMapper) ToRelative(remotePath string) Key {
	if remotePath == m.root {
		return ""
	}

	if rest, ok := strings.CutPrefix(remotePath, m.root+"/"); ok {
		return Key(rest)
	}

	return Key(remotePath)
}

// Contains reports whether remotePath lies below the root collection.
func (m PathMapper) Contains(remotePath string) bool {
	return strings.HasPrefix(remotePath, m.root+"/")
}

// ToRemote returns the device path for key.
func (m PathMapper) ToRemote(key Key) string {
	if key == "" {
		return m.root
	}

	return m.root + "/" + string(key)
}

// KeyFromLocal returns the key of the file at abs below root.
func KeyFromLocal(root, abs string) (Key, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", abs, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", abs, root)
	}

	return normalizeKey(filepath.ToSlash(rel)), nil
}

// normalizeKey puts a path into canonical key form: forward slashes, no
// repeated or surrounding slashes, Unicode NFC. Filesystems disagree on
// normalization (macOS stores NFD), so keys from both sides pass through
// here before they are compared.
func normalizeKey(p string) Key {
	p = strings.ReplaceAll(p, "\\", "/")

	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	p = strings.Trim(b.String(), "/")
	if p == "." {
		return ""
	}

	return Key(norm.NFC.String(p))
}
