package sources

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

const gdocsFetchDefault = 25

// GDocsSource exports Google Docs from a Drive folder as PDF stream
// captures. The dedup key carries the revision time, so an edited doc
// archives again as a new version.
type GDocsSource struct {
	config common.GDocsSourceConfig
	logger arbor.ILogger

	svc *drive.Service
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*GDocsSource)(nil)

// NewGDocsSource creates the Google Docs adapter.
func NewGDocsSource(config *common.Config, logger arbor.ILogger) *GDocsSource {
	return &GDocsSource{config: config.Sources.GDocs, logger: logger}
}

// Name returns the adapter identifier.
func (s *GDocsSource) Name() string { return NameGDocs }

func (s *GDocsSource) ensureService(ctx context.Context) (*drive.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	if s.config.CredentialsFile == "" {
		return nil, fmt.Errorf("gdocs source requires sources.gdocs.credentials_file")
	}
	httpClient, err := googleClient(ctx, s.config.CredentialsFile, s.config.TokenFile, drive.DriveReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, models.E(models.KindIO, "gdocs.connect", err)
	}
	s.svc = svc
	return svc, nil
}

// Fetch enumerates docs in the configured folder, oldest modification
// first, and exports each as PDF. The folder name becomes the stream
// channel.
func (s *GDocsSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	svc, err := s.ensureService(ctx)
	if err != nil {
		return err
	}
	if s.config.FolderID == "" {
		return fmt.Errorf("gdocs source requires sources.gdocs.folder_id")
	}

	var folder *drive.File
	err = googleRetry(ctx, func() error {
		var apiErr error
		folder, apiErr = svc.Files.Get(s.config.FolderID).Fields("name").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return models.E(models.KindIO, "gdocs.folder", err)
	}

	files, err := s.listDocs(ctx, svc, opts)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		s.logger.Debug().Str("folder", folder.Name).Msg("No matching docs")
		return nil
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		pdf, err := s.exportPDF(ctx, svc, f.Id)
		if err != nil {
			return err
		}

		modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
		origin := map[string]string{
			"source":                   models.SourceGDocs,
			models.OriginMessageID:     f.Id + "@" + f.ModifiedTime,
			models.OriginSubject:       f.Name,
			models.OriginDate:          originDate(modified),
			models.OriginStreamKind:    "gdocs",
			models.OriginStreamChannel: folder.Name,
		}
		if f.WebViewLink != "" {
			origin[models.OriginPermalink] = f.WebViewLink
		}

		if err := fn(&interfaces.RawInput{
			Origin: origin,
			Attachments: []interfaces.RawAttachment{
				{Filename: f.Name + ".pdf", MimeType: "application/pdf", Data: pdf},
			},
			AckToken: f.Id,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *GDocsSource) listDocs(ctx context.Context, svc *drive.Service, opts interfaces.FetchOptions) ([]*drive.File, error) {
	folderID := strings.ReplaceAll(s.config.FolderID, "'", `\'`)
	query := fmt.Sprintf("'%s' in parents and mimeType='application/vnd.google-apps.document' and trashed=false", folderID)
	if !opts.After.IsZero() {
		query += fmt.Sprintf(" and modifiedTime > '%s'", opts.After.UTC().Format(time.RFC3339))
	}
	if !opts.Before.IsZero() {
		query += fmt.Sprintf(" and modifiedTime < '%s'", opts.Before.UTC().Format(time.RFC3339))
	}

	max := opts.Max
	if max <= 0 {
		max = gdocsFetchDefault
	}

	var files []*drive.File
	pageToken := ""
	for len(files) < max {
		call := svc.Files.List().
			Q(query).
			Fields("nextPageToken, files(id,name,modifiedTime,webViewLink)").
			OrderBy("modifiedTime").
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *drive.FileList
		err := googleRetry(ctx, func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			return nil, models.E(models.KindIO, "gdocs.list", err)
		}

		for _, f := range resp.Files {
			files = append(files, f)
			if len(files) >= max {
				break
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return files, nil
}

func (s *GDocsSource) exportPDF(ctx context.Context, svc *drive.Service, fileID string) ([]byte, error) {
	var pdf []byte
	err := googleRetry(ctx, func() error {
		resp, apiErr := svc.Files.Export(fileID, "application/pdf").Context(ctx).Download()
		if apiErr != nil {
			return apiErr
		}
		defer resp.Body.Close()
		pdf, apiErr = io.ReadAll(resp.Body)
		return apiErr
	})
	if err != nil {
		return nil, models.E(models.KindIO, "gdocs.export", err)
	}
	return pdf, nil
}

// Ack is a no-op; source documents are never modified.
func (s *GDocsSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	return nil
}

// Close releases the cached service.
func (s *GDocsSource) Close() error {
	s.svc = nil
	return nil
}
