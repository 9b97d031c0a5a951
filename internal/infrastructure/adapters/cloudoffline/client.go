package cloudoffline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// httpService is a bearer-token HTTP client for a pan-115-style
// offline-download service's submit/info/cancel endpoints, adapted
// from the qBittorrent client down to this service's JSON API.
type httpService struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPService builds a Service backed by baseURL's REST API,
// authenticating every request with token.
func NewHTTPService(baseURL, token string, httpClient *http.Client) Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &httpService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (s *httpService) Submit(ctx context.Context, url string) (string, error) {
	body, err := json.Marshal(submitRequest{URL: url})
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := s.do(ctx, http.MethodPost, "/api/offline/tasks", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

type infoEntry struct {
	TaskID string      `json:"task_id"`
	State  RemoteState `json:"state"`
	ErrMsg string      `json:"error"`
	S3Key  string      `json:"s3_key"`
}

func (s *httpService) Info(ctx context.Context, taskIDs []string) (map[string]RemoteTaskInfo, error) {
	var entries []infoEntry
	path := "/api/offline/tasks?ids=" + strings.Join(taskIDs, ",")
	if err := s.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]RemoteTaskInfo, len(entries))
	for _, e := range entries {
		out[e.TaskID] = RemoteTaskInfo{State: e.State, ErrMsg: e.ErrMsg, S3Key: e.S3Key}
	}
	return out, nil
}

func (s *httpService) Cancel(ctx context.Context, taskID string) error {
	return s.do(ctx, http.MethodDelete, "/api/offline/tasks/"+taskID, nil, nil)
}

func (s *httpService) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s (%d): %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
