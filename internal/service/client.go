package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/retry"
)

const (
	uploadPath  = "api/v1/bom"
	contentType = "application/vnd.cyclonedx+json; version = 1.6"
)

// BOMRepoUploader posts results to a CZERTAINLY BOM repository. Network
// errors and 5xx responses are retried with the given policy.
type BOMRepoUploader struct {
	requestURL *url.URL
	client     *http.Client
	retry      retry.Policy
}

func NewBOMRepoUploader(serverURL string) (*BOMRepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &BOMRepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: time.Minute},
		retry:      retry.Default(),
	}, nil
}

// WithRetry replaces the default retry policy.
func (c *BOMRepoUploader) WithRetry(p retry.Policy) *BOMRepoUploader {
	c.retry = p
	return c
}

// UploadError is a rejection reported by the repository.
type UploadError struct {
	StatusCode int
	Detail     string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("status code: %d, detail: %s", e.StatusCode, e.Detail)
}

func (e *UploadError) temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

func (c *BOMRepoUploader) Upload(ctx context.Context, raw []byte) error {
	for attempt := 1; ; attempt++ {
		resp, err := c.post(ctx, raw)
		if err == nil {
			slog.DebugContext(ctx, "bom uploaded",
				slog.String("urn", resp.SerialNumber),
				slog.Int("version", resp.Version))
			return nil
		}
		var uerr *UploadError
		if errors.As(err, &uerr) && !uerr.temporary() || !c.retry.Allow(attempt) {
			return err
		}
		delay := c.retry.Delay(attempt - 1)
		slog.WarnContext(ctx, "bom upload failed: retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, context.Cause(ctx))
		case <-time.After(delay):
		}
	}
}

func (c *BOMRepoUploader) post(ctx context.Context, raw []byte) (BOMCreateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return BOMCreateResponse{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "warden")

	resp, err := c.client.Do(req)
	if err != nil {
		return BOMCreateResponse{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeUploadResponse(resp)
}

type BOMCreateResponse struct {
	SerialNumber string `json:"serialNumber"`
	Version      int    `json:"version"`
}

func decodeUploadResponse(resp *http.Response) (BOMCreateResponse, error) {
	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return BOMCreateResponse{}, &UploadError{StatusCode: resp.StatusCode, Detail: string(body)}
	}

	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return BOMCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if ct != "application/json" {
			return BOMCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", ct)
		}
		var bc BOMCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&bc); err != nil {
			return BOMCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if bc.SerialNumber == "" || bc.Version == 0 {
			return BOMCreateResponse{}, errors.New("received unexpected body")
		}
		return bc, nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if ct != "application/problem+json" {
			return BOMCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", ct)
		}
		var problem struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return BOMCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return BOMCreateResponse{}, &UploadError{StatusCode: resp.StatusCode, Detail: problem.Detail}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BOMCreateResponse{}, err
	}
	return BOMCreateResponse{}, &UploadError{StatusCode: resp.StatusCode, Detail: string(body)}
}
