package rpc

import (
	"context"
	"encoding/json"
)

// IDs selects torrents by numeric id or hash string. A nil IDs selects
// every torrent.
type IDs []any

// ByID selects torrents by numeric id.
func ByID(ids ...int) IDs {
	out := make(IDs, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// ByHash selects torrents by info hash.
func ByHash(hashes ...string) IDs {
	out := make(IDs, len(hashes))
	for i, h := range hashes {
		out[i] = h
	}
	return out
}

// DefaultTorrentFields is requested by TorrentGet when no fields are given.
var DefaultTorrentFields = []string{
	"id", "hashString", "name", "status", "downloadDir", "totalSize",
	"percentDone", "rateDownload", "rateUpload", "error", "errorString",
}

// Torrent is the subset of torrent-get fields this package decodes.
// Fields not requested come back zero.
type Torrent struct {
	ID          int     `json:"id"`
	HashString  string  `json:"hashString,omitempty"`
	Name        string  `json:"name,omitempty"`
	Status      int     `json:"status,omitempty"`
	DownloadDir string  `json:"downloadDir,omitempty"`
	TotalSize   int64   `json:"totalSize,omitempty"`
	PercentDone float64 `json:"percentDone,omitempty"`
	RateDown    int64   `json:"rateDownload,omitempty"`
	RateUp      int64   `json:"rateUpload,omitempty"`
	Error       int     `json:"error,omitempty"`
	ErrorString string  `json:"errorString,omitempty"`
}

// TorrentGetArgs are the torrent-get arguments.
type TorrentGetArgs struct {
	IDs    IDs      `json:"ids,omitempty"`
	Fields []string `json:"fields"`
}

type torrentList struct {
	Torrents []Torrent `json:"torrents"`
	Removed  []int     `json:"removed,omitempty"`
}

// TorrentGet lists torrents.
func (c *Client) TorrentGet(ctx context.Context, args TorrentGetArgs) ([]Torrent, error) {
	if len(args.Fields) == 0 {
		args.Fields = DefaultTorrentFields
	}
	var out torrentList
	if err := c.Call(ctx, MethodTorrentGet, args, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}

// TorrentAddArgs are the torrent-add arguments. Exactly one of Filename
// (URL or magnet) and Metainfo (base64 .torrent) must be set.
type TorrentAddArgs struct {
	Filename    string   `json:"filename,omitempty"`
	Metainfo    string   `json:"metainfo,omitempty"`
	DownloadDir string   `json:"download-dir,omitempty"`
	Paused      bool     `json:"paused,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	PeerLimit   int      `json:"peer-limit,omitempty"`
}

// AddedTorrent identifies a torrent created or matched by torrent-add.
type AddedTorrent struct {
	ID         int    `json:"id"`
	HashString string `json:"hashString"`
	Name       string `json:"name"`
	Duplicate  bool   `json:"-"`
}

type addResult struct {
	Added     *AddedTorrent `json:"torrent-added"`
	Duplicate *AddedTorrent `json:"torrent-duplicate"`
}

// TorrentAdd adds a torrent. An already-present torrent is reported with
// Duplicate set.
func (c *Client) TorrentAdd(ctx context.Context, args TorrentAddArgs) (*AddedTorrent, error) {
	var out addResult
	if err := c.Call(ctx, MethodTorrentAdd, args, &out); err != nil {
		return nil, err
	}
	switch {
	case out.Added != nil:
		return out.Added, nil
	case out.Duplicate != nil:
		out.Duplicate.Duplicate = true
		return out.Duplicate, nil
	default:
		return nil, ErrMalformed
	}
}

// TorrentRemove removes torrents, optionally deleting their data.
func (c *Client) TorrentRemove(ctx context.Context, ids IDs, deleteLocalData bool) error {
	return c.Call(ctx, MethodTorrentRemove, struct {
		IDs             IDs  `json:"ids,omitempty"`
		DeleteLocalData bool `json:"delete-local-data"`
	}{ids, deleteLocalData}, nil)
}

type idsArgs struct {
	IDs IDs `json:"ids,omitempty"`
}

// TorrentStart queues torrents for download or seeding.
func (c *Client) TorrentStart(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodTorrentStart, idsArgs{ids}, nil)
}

// TorrentStartNow starts torrents, bypassing the queue.
func (c *Client) TorrentStartNow(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodTorrentStartNow, idsArgs{ids}, nil)
}

// TorrentStop stops torrents.
func (c *Client) TorrentStop(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodTorrentStop, idsArgs{ids}, nil)
}

// TorrentVerify rechecks torrent data.
func (c *Client) TorrentVerify(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodTorrentVerify, idsArgs{ids}, nil)
}

// TorrentReannounce asks trackers for more peers.
func (c *Client) TorrentReannounce(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodTorrentReannounce, idsArgs{ids}, nil)
}

// TorrentSet changes per-torrent settings. Keys are daemon field names.
func (c *Client) TorrentSet(ctx context.Context, ids IDs, fields map[string]any) error {
	args := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		args[k] = v
	}
	if ids != nil {
		args["ids"] = ids
	}
	return c.Call(ctx, MethodTorrentSet, args, nil)
}

// TorrentSetLocation moves torrents to location, optionally moving data.
func (c *Client) TorrentSetLocation(ctx context.Context, ids IDs, location string, move bool) error {
	return c.Call(ctx, MethodTorrentSetLocation, struct {
		IDs      IDs    `json:"ids,omitempty"`
		Location string `json:"location"`
		Move     bool   `json:"move"`
	}{ids, location, move}, nil)
}

// TorrentRenamePath renames a file or folder inside one torrent.
func (c *Client) TorrentRenamePath(ctx context.Context, ids IDs, path, name string) error {
	return c.Call(ctx, MethodTorrentRenamePath, struct {
		IDs  IDs    `json:"ids,omitempty"`
		Path string `json:"path"`
		Name string `json:"name"`
	}{ids, path, name}, nil)
}

// SessionInfo is the subset of session-get fields this package decodes.
type SessionInfo struct {
	DownloadDir       string `json:"download-dir"`
	Version           string `json:"version"`
	RPCVersion        int    `json:"rpc-version"`
	RPCVersionMinimum int    `json:"rpc-version-minimum"`
	ConfigDir         string `json:"config-dir"`
	PeerPort          int    `json:"peer-port"`
}

// SessionGet returns daemon session settings.
func (c *Client) SessionGet(ctx context.Context) (*SessionInfo, error) {
	var out SessionInfo
	if err := c.Call(ctx, MethodSessionGet, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionSet changes daemon settings. Keys are daemon field names.
func (c *Client) SessionSet(ctx context.Context, fields map[string]any) error {
	return c.Call(ctx, MethodSessionSet, fields, nil)
}

// SessionStats returns transfer statistics as the daemon reports them.
func (c *Client) SessionStats(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.Call(ctx, MethodSessionStats, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionClose asks the daemon to shut down.
func (c *Client) SessionClose(ctx context.Context) error {
	return c.Call(ctx, MethodSessionClose, nil, nil)
}

// FreeSpace reports the free bytes at path as seen by the daemon.
func (c *Client) FreeSpace(ctx context.Context, path string) (int64, error) {
	var out struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size-bytes"`
	}
	if err := c.Call(ctx, MethodFreeSpace, struct {
		Path string `json:"path"`
	}{path}, &out); err != nil {
		return 0, err
	}
	return out.SizeBytes, nil
}

// PortTest reports whether the daemon's peer port is reachable.
func (c *Client) PortTest(ctx context.Context) (bool, error) {
	var out struct {
		PortIsOpen bool `json:"port-is-open"`
	}
	if err := c.Call(ctx, MethodPortTest, nil, &out); err != nil {
		return false, err
	}
	return out.PortIsOpen, nil
}

// BlocklistUpdate refreshes the blocklist and returns its new size.
func (c *Client) BlocklistUpdate(ctx context.Context) (int, error) {
	var out struct {
		BlocklistSize int `json:"blocklist-size"`
	}
	if err := c.Call(ctx, MethodBlocklistUpdate, nil, &out); err != nil {
		return 0, err
	}
	return out.BlocklistSize, nil
}

// QueueMoveTop moves torrents to the front of the queue.
func (c *Client) QueueMoveTop(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodQueueMoveTop, idsArgs{ids}, nil)
}

// QueueMoveUp moves torrents one place forward.
func (c *Client) QueueMoveUp(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodQueueMoveUp, idsArgs{ids}, nil)
}

// QueueMoveDown moves torrents one place back.
func (c *Client) QueueMoveDown(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodQueueMoveDown, idsArgs{ids}, nil)
}

// QueueMoveBottom moves torrents to the back of the queue.
func (c *Client) QueueMoveBottom(ctx context.Context, ids IDs) error {
	return c.Call(ctx, MethodQueueMoveBottom, idsArgs{ids}, nil)
}
