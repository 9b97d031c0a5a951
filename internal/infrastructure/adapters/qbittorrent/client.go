// Package qbittorrent implements a task.Adapter backed by a qBittorrent
// instance's Web API: a SID-cookie HTTP client covering the handful of
// endpoints this engine needs — login, add-by-magnet, add-by-file,
// delete, and info.
package qbittorrent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// client is a minimal qBittorrent Web API client: SID-cookie auth with
// automatic re-login on a 403, plus the torrent add/delete/info calls
// the Adapter needs.
type client struct {
	username string
	password string
	http     *http.Client
	baseURL  string

	mu  sync.RWMutex
	sid string
}

func newClient(baseURL, username, password string, httpClient *http.Client) *client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &client{
		username: username,
		password: password,
		http:     httpClient,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

type torrentInfo struct {
	Hash     string  `json:"hash"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
	Name     string  `json:"name"`
}

func (c *client) login() error {
	data := url.Values{}
	data.Set("username", c.username)
	data.Set("password", c.password)

	resp, err := c.doRequest("POST", "/api/v2/auth/login", strings.NewReader(data.Encode()), "application/x-www-form-urlencoded", true)
	if err != nil {
		return fmt.Errorf("auth login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth login (%d): %s", resp.StatusCode, string(body))
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			c.mu.Lock()
			c.sid = cookie.Value
			c.mu.Unlock()
			break
		}
	}
	return nil
}

// addMagnet submits a magnet URI for download; savePath of "" leaves
// the daemon's default save path in effect.
func (c *client) addMagnet(magnet, savePath string) error {
	data := url.Values{}
	data.Set("urls", magnet)
	data.Set("skip_checking", "true")
	if savePath != "" {
		data.Set("savepath", savePath)
	}
	_, err := c.doPost("/api/v2/torrents/add", strings.NewReader(data.Encode()), "application/x-www-form-urlencoded")
	return err
}

// addTorrentFile submits raw .torrent bytes as a multipart upload.
func (c *client) addTorrentFile(name string, fileData []byte, savePath string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("torrents", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(fileData)); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("skip_checking", "true")
	if savePath != "" {
		_ = writer.WriteField("savepath", savePath)
	}
	writer.Close()

	_, err = c.doPost("/api/v2/torrents/add", &body, writer.FormDataContentType())
	return err
}

func (c *client) pause(hash string) error {
	data := url.Values{"hashes": {hash}}
	_, err := c.doPost("/api/v2/torrents/pause", strings.NewReader(data.Encode()), "application/x-www-form-urlencoded")
	return err
}

func (c *client) resume(hash string) error {
	data := url.Values{"hashes": {hash}}
	_, err := c.doPost("/api/v2/torrents/resume", strings.NewReader(data.Encode()), "application/x-www-form-urlencoded")
	return err
}

func (c *client) delete(hash string, deleteFiles bool) error {
	data := url.Values{"hashes": {hash}, "deleteFiles": {fmt.Sprintf("%t", deleteFiles)}}
	_, err := c.doPost("/api/v2/torrents/delete", strings.NewReader(data.Encode()), "application/x-www-form-urlencoded")
	return err
}

func (c *client) info(hashes []string) ([]torrentInfo, error) {
	query := url.Values{}
	if len(hashes) > 0 {
		query.Set("hashes", strings.Join(hashes, "|"))
	}
	resp, err := c.doRequest("GET", "/api/v2/torrents/info?"+query.Encode(), nil, "", false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrents info (%d): %s", resp.StatusCode, string(body))
	}
	var infos []torrentInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("decode torrents info: %w", err)
	}
	return infos, nil
}

type torrentFile struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

func (c *client) files(hash string) ([]torrentFile, error) {
	query := url.Values{"hash": {hash}}
	resp, err := c.doRequest("GET", "/api/v2/torrents/files?"+query.Encode(), nil, "", false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrents files (%d): %s", resp.StatusCode, string(body))
	}
	var files []torrentFile
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("decode torrents files: %w", err)
	}
	return files, nil
}

func (c *client) fileDownloadPath(hash string, file torrentFile) string {
	return hash + "/" + file.Name
}

func (c *client) doPost(endpoint string, body io.Reader, contentType string) ([]byte, error) {
	resp, err := c.doRequest("POST", endpoint, body, contentType, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post %s (%d): %s", endpoint, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *client) doRequest(method, endpoint string, body io.Reader, contentType string, skipReauth bool) (*http.Response, error) {
	var bodyBuf []byte
	if body != nil {
		var err error
		bodyBuf, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}

	build := func() (*http.Request, error) {
		var reader io.Reader
		if bodyBuf != nil {
			reader = bytes.NewReader(bodyBuf)
		}
		req, err := http.NewRequest(method, c.baseURL+endpoint, reader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		c.mu.RLock()
		if c.sid != "" {
			req.AddCookie(&http.Cookie{Name: "SID", Value: c.sid})
		}
		c.mu.RUnlock()
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden && !skipReauth {
		resp.Body.Close()
		if err := c.login(); err != nil {
			return nil, fmt.Errorf("re-authenticate: %w", err)
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	}
	return resp, nil
}
