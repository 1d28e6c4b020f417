package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/koustreak/blobstore-s3/internal/blobstore"
	"github.com/koustreak/blobstore-s3/internal/errs"
)

// HTTPSink delivers downloaded chunks by POSTing them as JSON to a callback
// URL, with the owning tenant in TenantHeader. Any non-2xx reply stops the
// download.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink returns a sink posting to url. A nil client means
// http.DefaultClient.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) ReceiveChunk(ctx context.Context, tenantID string, chunk blobstore.FileChunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return errs.Wrap(errs.ErrKindOperationFailed, "failed to encode chunk", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "failed to build chunk callback", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, tenantID)

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.ErrKindConnectionFailed, "chunk callback failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(errs.ErrKindOperationFailed,
			fmt.Sprintf("chunk callback rejected chunk %d with status %d", chunk.SequenceNo, resp.StatusCode))
	}
	return nil
}

var _ blobstore.ChunkSink = (*HTTPSink)(nil)
