package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	contentTypeDICOM = "application/dicom"
	contentTypeJSON  = "application/json"

	// maxErrorBody caps how much of an error response ends up in errors and logs.
	maxErrorBody = 1024
)

// ErrNotFound matches any StatusError carrying a 404.
var ErrNotFound = errors.New("orthanc resource not found")

// StatusError is returned when Orthanc answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusUnauthorized {
		return fmt.Sprintf("orthanc rejected the configured credentials (status 401) for %s %s", e.Method, e.URL)
	}
	if e.Body == "" {
		return fmt.Sprintf("orthanc returned status %d for %s %s", e.StatusCode, e.Method, e.URL)
	}
	return fmt.Sprintf("orthanc returned status %d for %s %s: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Credentials are the HTTP basic auth pair sent with every request.
// An empty Username disables authentication.
type Credentials struct {
	Username string
	Password string
}

// Client manages communication with the Orthanc API
type Client struct {
	BaseURL     string
	credentials Credentials
	httpClient  *http.Client
}

// NewClient creates a new Orthanc API client with a default HTTP client
func NewClient(baseURL string, timeout time.Duration, creds Credentials) *Client {
	return NewClientWithHttpClient(baseURL, &http.Client{Timeout: timeout}, creds)
}

// NewClientWithHttpClient creates a new Orthanc API client with a specific *http.Client
// This allows passing an instrumented client.
func NewClientWithHttpClient(baseURL string, client *http.Client, creds Credentials) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		BaseURL:     baseURL,
		credentials: creds,
		httpClient:  client,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	targetURL := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", targetURL, err)
	}
	if c.credentials.Username != "" {
		req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
	}
	return req, nil
}

// do executes req and returns the response when its status is 2xx. Other
// statuses are drained into a *StatusError. Failures are logged at Debug;
// callers own the error log.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	targetURL := req.URL.String()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "Orthanc request failed", "method", req.Method, "url", targetURL, "error", err)
		return nil, fmt.Errorf("failed to reach orthanc at %s: %w", targetURL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logAttrs := []any{"method", req.Method, "url", targetURL, "statusCode", resp.StatusCode, "responseBody", string(bodyBytes)}
	slog.DebugContext(ctx, "Orthanc returned non-OK status", logAttrs...)
	return nil, &StatusError{
		Method:     req.Method,
		URL:        targetURL,
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(bodyBytes)),
	}
}

// doJSON sends payload (if any) as JSON and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		slog.DebugContext(ctx, "Failed to decode Orthanc response", "url", req.URL.String(), "error", err)
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.String(), err)
	}
	return nil
}

// UploadInstance stores a serialized DICOM object through POST /instances.
// It makes exactly one attempt.
func (c *Client) UploadInstance(ctx context.Context, data []byte) (*UploadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/instances", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeDICOM)
	req.ContentLength = int64(len(data))

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Older Orthanc versions answer with an empty body; the status is what counts.
	result := &UploadResult{}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			slog.WarnContext(ctx, "Orthanc upload acknowledgement is not JSON", "error", err)
		}
	}

	slog.DebugContext(ctx, "Uploaded instance to Orthanc", "instanceID", result.ID, "status", result.Status, "bytes", len(data))
	return result, nil
}

// FindStudies returns every study with its main tags expanded.
func (c *Client) FindStudies(ctx context.Context) ([]StudyDetails, error) {
	var studies []StudyDetails
	q := findRequest{Level: "Study", Query: map[string]string{"PatientName": "*"}, Expand: true}
	if err := c.doJSON(ctx, http.MethodPost, "/tools/find", q, &studies); err != nil {
		return nil, fmt.Errorf("failed to find studies: %w", err)
	}
	slog.DebugContext(ctx, "Successfully retrieved studies from Orthanc", "studyCount", len(studies))
	return studies, nil
}

// HasDocumentSeries reports whether the study holds at least one DOC series.
func (c *Client) HasDocumentSeries(ctx context.Context, studyInstanceUID string) (bool, error) {
	if studyInstanceUID == "" {
		return false, nil
	}
	var ids []string
	q := findRequest{
		Level: "Series",
		Query: map[string]string{"StudyInstanceUID": studyInstanceUID, "Modality": "DOC"},
		Limit: 1,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/tools/find", q, &ids); err != nil {
		return false, fmt.Errorf("failed to look up document series for study %s: %w", studyInstanceUID, err)
	}
	return len(ids) > 0, nil
}

// GetPatient returns the raw JSON of /patients/{id}?full=true, which keys
// main tags by their hex tag with name, type and value.
func (c *Client) GetPatient(ctx context.Context, orthancPatientID string) (json.RawMessage, error) {
	if orthancPatientID == "" {
		return nil, fmt.Errorf("orthancPatientID cannot be empty")
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/patients/"+orthancPatientID+"?full=true", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to get patient %s: %w", orthancPatientID, err)
	}
	return raw, nil
}

// GetStudySeries retrieves the expanded series of a study.
func (c *Client) GetStudySeries(ctx context.Context, orthancStudyID string) ([]SeriesDetails, error) {
	if orthancStudyID == "" {
		return nil, fmt.Errorf("orthancStudyID cannot be empty")
	}
	var series []SeriesDetails
	if err := c.doJSON(ctx, http.MethodGet, "/studies/"+orthancStudyID+"/series", nil, &series); err != nil {
		return nil, fmt.Errorf("failed to get series for study %s: %w", orthancStudyID, err)
	}
	slog.DebugContext(ctx, "Successfully retrieved study series from Orthanc", "studyID", orthancStudyID, "seriesCount", len(series))
	return series, nil
}

// GetInstanceFile retrieves the raw DICOM file content for a specific instance.
func (c *Client) GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instanceID cannot be empty")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/instances/"+instanceID+"/file", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeDICOM)

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get file for instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	dicomData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file response body for instance %s: %w", instanceID, err)
	}
	return dicomData, nil
}

// SystemInfo calls GET /system, the cheapest authenticated endpoint.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/system", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
