package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ternarybob/arca/internal/models"
)

const (
	// MaxFilenameLen bounds sanitized attachment filenames.
	MaxFilenameLen = 200

	// MaxNameBaseLen bounds normalized original-name bases.
	MaxNameBaseLen = 120

	// MaxCollisionSuffix is the last -n suffix tried before giving up.
	MaxCollisionSuffix = 999
)

// extensionByMime is the fixed mimetype table consulted when the
// original filename carries no usable extension.
var extensionByMime = map[string]string{
	"application/pdf":  "pdf",
	"text/plain":       "txt",
	"text/html":        "html",
	"text/markdown":    "md",
	"application/json": "json",
	"image/jpeg":       "jpg",
	"image/png":        "png",
	"image/gif":        "gif",
	"application/zip":  "zip",
	"application/gzip": "gz",
	"text/csv":         "csv",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "xlsx",
}

// FilenameBase builds the canonical content file base:
// "{YYYY-MM-DD}-{source}-{base36(epoch_seconds)}".
func FilenameBase(source string, createdAt time.Time) string {
	utc := createdAt.UTC()
	return fmt.Sprintf("%s-%s-%s", utc.Format("2006-01-02"), source, strconv.FormatInt(utc.Unix(), 36))
}

// ExtensionFor picks the file extension: the original filename's
// extension when present, otherwise the mimetype table, otherwise "bin".
func ExtensionFor(mimetype, originalFilename string) string {
	if originalFilename != "" {
		if ext := strings.TrimPrefix(filepath.Ext(originalFilename), "."); ext != "" {
			return strings.ToLower(ext)
		}
	}
	mt, _, _ := strings.Cut(mimetype, ";")
	if ext, ok := extensionByMime[strings.ToLower(strings.TrimSpace(mt))]; ok {
		return ext
	}
	return "bin"
}

// SanitizeFilename makes an attachment filename safe to store: strips
// directory components, replaces <>:"|?* and control bytes with "-",
// collapses separator runs, trims leading and trailing ".-", and
// truncates to MaxFilenameLen preserving one extension.
func SanitizeFilename(name string) string {
	// Strip directory components from either path convention
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('-')
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	name = collapseRuns(b.String(), '-')
	name = strings.Trim(name, ".-")

	if name == "" {
		return "unnamed"
	}
	if len(name) <= MaxFilenameLen {
		return name
	}

	// Truncate the base, keep one extension
	ext := filepath.Ext(name)
	if len(ext) > 10 {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)
	keep := MaxFilenameLen - len(ext)
	if keep < 1 {
		keep = 1
	}
	if len(base) > keep {
		base = base[:keep]
	}
	return strings.Trim(base, ".-") + ext
}

// NormalizeNameBase normalizes an original filename base for archiving:
// lowercases, maps whitespace to "-", keeps only [a-z0-9._-], collapses
// runs, trims, and caps at MaxNameBaseLen.
func NormalizeNameBase(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name = collapseRuns(b.String(), '-')
	name = strings.Trim(name, ".-")

	if len(name) > MaxNameBaseLen {
		name = strings.Trim(name[:MaxNameBaseLen], ".-")
	}
	if name == "" {
		return "unnamed"
	}
	return name
}

// ResolveCollision finds the first free "{base}[-{n}]" in dir, checking
// both the content name "{base}.{ext}" and the sidecar "{base}.json".
// Suffixes -1 through -999 are tried before failing.
func ResolveCollision(dir, base, ext string) (string, error) {
	for n := 0; n <= MaxCollisionSuffix; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d", base, n)
		}
		if pathExists(filepath.Join(dir, candidate+"."+ext)) {
			continue
		}
		if pathExists(filepath.Join(dir, candidate+".json")) {
			continue
		}
		return candidate, nil
	}
	return "", models.Errorf(models.KindCollision, "archive.resolve_collision",
		"no free name for %s in %s after %d attempts", base, dir, MaxCollisionSuffix)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func collapseRuns(s string, sep rune) string {
	var b strings.Builder
	b.Grow(len(s))
	var last rune
	for _, r := range s {
		if r == sep && last == sep {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}
