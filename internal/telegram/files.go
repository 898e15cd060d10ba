package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// fileFetcher downloads an uploaded document's content.
type fileFetcher interface {
	Fetch(ctx context.Context, tg sender, document *models.Document) (io.ReadCloser, error)
}

// botFileFetcher resolves the file path through the Bot API, then streams the
// content from the file endpoint.
type botFileFetcher struct {
	token  string
	client *http.Client
}

func newBotFileFetcher(token string) *botFileFetcher {
	return &botFileFetcher{
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *botFileFetcher) Fetch(ctx context.Context, tg sender, document *models.Document) (io.ReadCloser, error) {
	if tg == nil {
		return nil, errors.New("telegram api is required")
	}
	if document == nil || document.FileID == "" {
		return nil, errors.New("document file id is required")
	}

	file, err := tg.GetFile(ctx, &bot.GetFileParams{FileID: document.FileID})
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", document.FileID, err)
	}
	if file == nil || file.FilePath == "" {
		return nil, fmt.Errorf("file %s has no download path", document.FileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", f.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", document.FileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download file %s: unexpected status %d", document.FileID, resp.StatusCode)
	}

	return resp.Body, nil
}
