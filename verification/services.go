package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// UploadRequest is a quote submitted to a verification service.
type UploadRequest struct {
	Quote    []byte
	EventLog []byte
	Checksum string
	Metadata map[string]string
}

// UploadResponse is what a service returned for an accepted quote.
type UploadResponse struct {
	// ReportID is the service's identifier for the report, if any.
	ReportID string
	// URL is a service-provided report URL, if any.
	URL string
}

// Service is an external quote verification service.
type Service interface {
	Name() string
	Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error)
}

// StatusError is a non-2xx response from a verification service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated. Client errors
// other than timeouts and rate limiting are final.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// IsRetryable classifies an upload error.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// HTTPService uploads quotes as multipart/form-data. The quote is sent as the
// "file" part, the event log as "event_log" and the metadata as a JSON encoded
// "metadata" field.
type HTTPService struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPService(name, endpoint, apiKey string, client *http.Client) (*HTTPService, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("invalid %s endpoint %q", name, endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPService{name: name, endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

func (s *HTTPService) Name() string {
	return s.name
}

type uploadResponseBody struct {
	ID       string `json:"id"`
	ReportID string `json:"report_id"`
	Checksum string `json:"checksum"`
	URL      string `json:"url"`
}

func (s *HTTPService) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	body, contentType, err := encodeUpload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s upload: %w", s.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s upload: reading response: %w", s.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Service: s.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var decoded uploadResponseBody
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) != nil {
		// Accepted but not JSON; the checksum still identifies the report.
		return &UploadResponse{}, nil
	}

	reportID := decoded.ReportID
	if reportID == "" {
		reportID = decoded.ID
	}
	return &UploadResponse{ReportID: reportID, URL: decoded.URL}, nil
}

func encodeUpload(req UploadRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "quote.bin")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Quote); err != nil {
		return nil, "", err
	}

	if len(req.EventLog) > 0 {
		if err := w.WriteField("event_log", string(req.EventLog)); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("checksum", req.Checksum); err != nil {
		return nil, "", err
	}
	if len(req.Metadata) > 0 {
		metadata, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, "", err
		}
		if err := w.WriteField("metadata", string(metadata)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
