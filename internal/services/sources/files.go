package sources

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// FilesSource walks a directory for .eml, .txt, and .pdf files and
// yields them oldest-first by modification time. Messages ingest as
// mail; text and PDF files ingest as local documents. Files have no
// upstream acknowledgement; reruns dedup on content hash.
type FilesSource struct {
	dir    string
	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*FilesSource)(nil)

// NewFilesSource creates the files adapter rooted at dir.
func NewFilesSource(dir string, logger arbor.ILogger) *FilesSource {
	return &FilesSource{dir: dir, logger: logger}
}

// Name returns the adapter identifier.
func (s *FilesSource) Name() string { return NameFiles }

// Fetch walks the directory tree. Hidden files and dot-directories are
// skipped; the After/Before window filters on modification time.
func (s *FilesSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	type entry struct {
		path string
		mod  time.Time
	}

	var entries []entry
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != s.dir {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".eml", ".txt", ".pdf":
		default:
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !withinRange(info.ModTime(), opts.After, opts.Before) {
			return nil
		}
		entries = append(entries, entry{path: path, mod: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return models.E(models.KindIO, "files.walk", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mod.Before(entries[j].mod)
	})
	if opts.Max > 0 && len(entries) > opts.Max {
		entries = entries[:opts.Max]
	}

	s.logger.Debug().Str("dir", s.dir).Int("count", len(entries)).Msg("Ingesting local files")

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(e.path)
		if err != nil {
			return models.E(models.KindIO, "files.read", err)
		}
		if err := fn(buildFileInput(e.path, e.mod, data)); err != nil {
			return err
		}
	}
	return nil
}

// buildFileInput maps one file onto a raw input by extension. .eml
// carries the raw message for MIME extraction; .txt becomes body text;
// .pdf rides as the sole attachment so it becomes the payload.
func buildFileInput(path string, mod time.Time, data []byte) *interfaces.RawInput {
	name := filepath.Base(path)
	base := strings.TrimSuffix(name, filepath.Ext(name))

	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml":
		return &interfaces.RawInput{
			Raw: data,
			Origin: map[string]string{
				"source":   models.SourceMail,
				"filename": name,
			},
		}
	case ".pdf":
		return &interfaces.RawInput{
			Origin: map[string]string{
				"source":             models.SourceLocalDocs,
				"filename":           name,
				models.OriginSubject: base,
				models.OriginDate:    originDate(mod),
			},
			Attachments: []interfaces.RawAttachment{
				{Filename: name, MimeType: "application/pdf", Data: data},
			},
		}
	default: // .txt
		return &interfaces.RawInput{
			Raw: data,
			Origin: map[string]string{
				"source":             models.SourceLocalDocs,
				"filename":           name,
				"mimetype":           "text/plain",
				models.OriginSubject: base,
				models.OriginDate:    originDate(mod),
			},
		}
	}
}

// Ack is a no-op; ingested files stay in place.
func (s *FilesSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	return nil
}

// Close is a no-op.
func (s *FilesSource) Close() error { return nil }
