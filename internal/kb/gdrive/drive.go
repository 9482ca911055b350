package gdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// File is one Drive item (file or folder) as returned by ListChildren,
// enriched with the POSIX-style path it was discovered at during scan_tree.
type File struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime string
	Size         int64

	KBPath       string
	KBFolderPath string
}

const folderMimeType = "application/vnd.google-apps.folder"

// IsFolder reports whether f is a Drive folder rather than a file.
func (f File) IsFolder() bool { return f.MimeType == folderMimeType }

// FileLister lists the immediate (non-recursive) children of a Drive
// folder, handling Drive API paging internally.
type FileLister interface {
	ListChildren(ctx context.Context, folderID string) ([]File, error)
}

// Downloader fetches one file's raw bytes by Drive file ID.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// Client implements FileLister and Downloader against the real Google
// Drive v3 API, read-only. Grounded on
// original_source/ai_coach/agent/knowledge/gdrive_knowledge_loader.py's
// _get_drive_files_service/_list_drive_items/_download_file, using the
// AleutianAI-AleutianFOSS's own google.golang.org/api dependency (declared in its go.mod
// but unexercised in the retrieved slice) for the concern it is actually
// meant for: a typed Google API client.
type Client struct {
	svc *drive.Service
}

// NewClient returns a Client authenticated from a service-account
// credentials file (GOOGLE_APPLICATION_CREDENTIALS), scoped read-only.
func NewClient(ctx context.Context, credentialsPath string) (*Client, error) {
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(drive.DriveReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("gdrive: build drive service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ListChildren lists every non-trashed item directly under folderID,
// paging at 1000 items per call per spec.md §4.H.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]File, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	var out []File
	pageToken := ""
	for {
		call := c.svc.Files.List().
			Context(ctx).
			Q(q).
			Fields("nextPageToken, files(id, name, size, mimeType, modifiedTime)").
			PageSize(1000)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("gdrive: list children of %s: %w", folderID, err)
		}
		for _, f := range resp.Files {
			out = append(out, File{
				ID:           f.Id,
				Name:         f.Name,
				MimeType:     f.MimeType,
				ModifiedTime: f.ModifiedTime,
				Size:         f.Size,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

// Download fetches fileID's raw content in a single attempt; retry is the
// caller's (Loader's) responsibility, per spec.md §4.H.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &httpStatusError{status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// httpStatusError carries a raw HTTP status code so isRetryableDownloadErr
// can classify 429/5xx without depending on googleapi's internal type.
type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gdrive: download failed: status %d", e.status)
}

func (e *httpStatusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}
