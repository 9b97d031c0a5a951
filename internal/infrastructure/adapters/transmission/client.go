// Package transmission implements a task.Adapter backed by a
// Transmission daemon's RPC API: a CSRF-session JSON-RPC client
// covering the torrent-add/start/stop/remove/get calls this engine
// needs.
// https://trac.transmissionbt.com/browser/trunk/extras/rpc-spec.txt
package transmission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const csrfSessionHeader = "X-Transmission-Session-Id"

// Transmission torrent status codes, per the RPC spec.
const (
	statusStopped      = 0
	statusCheckWait     = 1
	statusCheck         = 2
	statusDownloadWait  = 3
	statusDownload      = 4
	statusSeedWait      = 5
	statusSeed          = 6
)

type client struct {
	address   string
	username  string
	password  string
	http      *http.Client
	sessionID string
}

func newClient(address, username, password string) *client {
	if !strings.HasPrefix(address, "http") {
		address = "http://" + address
	}
	if !strings.HasSuffix(address, "/transmission/rpc") {
		address = address + "/transmission/rpc"
	}
	return &client{address: address, username: username, password: password, http: http.DefaultClient}
}

type requestBase struct {
	Method    string      `json:"method"`
	Arguments interface{} `json:"arguments,omitempty"`
	Tag       int         `json:"tag,omitempty"`
}

type responseEnvelope struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type torrent struct {
	ID          int64        `json:"id"`
	HashString  string       `json:"hashString"`
	Status      int64        `json:"status"`
	PercentDone float64      `json:"percentDone"`
	DownloadDir string       `json:"downloadDir"`
	Name        string       `json:"name"`
	ErrorString string       `json:"errorString"`
	Files       []torrentFile `json:"files"`
}

type torrentFile struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

func (c *client) do(method string, arguments interface{}, out interface{}) error {
	req := requestBase{Method: method, Arguments: arguments}
	resp, err := c.post(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		sessionID := resp.Header.Get(csrfSessionHeader)
		if sessionID == "" {
			return fmt.Errorf("409 response without %s", csrfSessionHeader)
		}
		c.sessionID = sessionID
		resp.Body.Close()
		resp, err = c.post(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode transmission response: %w", err)
	}
	if env.Result != "success" {
		return fmt.Errorf("transmission rpc error: %s", env.Result)
	}
	if out != nil && len(env.Arguments) > 0 {
		return json.Unmarshal(env.Arguments, out)
	}
	return nil
}

func (c *client) post(req requestBase) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest("POST", c.address, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(csrfSessionHeader, c.sessionID)
	if c.username != "" && c.password != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}
	return c.http.Do(httpReq)
}

func (c *client) addMagnet(magnet, downloadDir string) error {
	return c.do("torrent-add", map[string]interface{}{"filename": magnet, "download-dir": downloadDir}, nil)
}

func (c *client) addTorrentFile(base64Data, downloadDir string) error {
	return c.do("torrent-add", map[string]interface{}{"metainfo": base64Data, "download-dir": downloadDir}, nil)
}

func (c *client) start(hash string) error {
	return c.do("torrent-start", map[string]interface{}{"ids": []string{hash}}, nil)
}

func (c *client) stop(hash string) error {
	return c.do("torrent-stop", map[string]interface{}{"ids": []string{hash}}, nil)
}

func (c *client) remove(hash string, deleteLocalData bool) error {
	return c.do("torrent-remove", map[string]interface{}{"ids": []string{hash}, "delete-local-data": deleteLocalData}, nil)
}

func (c *client) get(hashes []string) ([]torrent, error) {
	return c.getFields(hashes, []string{"id", "hashString", "status", "percentDone", "downloadDir", "name", "errorString"})
}

func (c *client) getWithFiles(hash string) (*torrent, error) {
	torrents, err := c.getFields([]string{hash}, []string{"id", "hashString", "status", "percentDone", "downloadDir", "name", "errorString", "files"})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, nil
	}
	return &torrents[0], nil
}

func (c *client) getFields(hashes []string, fields []string) ([]torrent, error) {
	var ids interface{}
	if len(hashes) > 0 {
		ids = hashes
	}
	var out struct {
		Torrents []torrent `json:"torrents"`
	}
	args := map[string]interface{}{"fields": fields}
	if ids != nil {
		args["ids"] = ids
	}
	if err := c.do("torrent-get", args, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}
