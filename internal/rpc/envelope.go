// Package rpc is a client for the Transmission daemon's JSON-RPC API.
//
// The daemon wraps every call in a small envelope ({method, arguments,
// tag}) and answers with {result, arguments, tag}. Every call must carry
// the daemon's current session token; a stale or missing token is
// answered with 409 Conflict and the fresh token in a response header.
package rpc

import (
	"encoding/json"
	"fmt"
)

// SessionHeader carries the daemon's anti-CSRF session token.
const SessionHeader = "X-Transmission-Session-Id"

// ResultSuccess is the result value of a successful call.
const ResultSuccess = "success"

// Method names understood by the daemon.
const (
	MethodTorrentStart       = "torrent-start"
	MethodTorrentStartNow    = "torrent-start-now"
	MethodTorrentStop        = "torrent-stop"
	MethodTorrentVerify      = "torrent-verify"
	MethodTorrentReannounce  = "torrent-reannounce"
	MethodTorrentSet         = "torrent-set"
	MethodTorrentGet         = "torrent-get"
	MethodTorrentAdd         = "torrent-add"
	MethodTorrentRemove      = "torrent-remove"
	MethodTorrentSetLocation = "torrent-set-location"
	MethodTorrentRenamePath  = "torrent-rename-path"
	MethodSessionSet         = "session-set"
	MethodSessionGet         = "session-get"
	MethodSessionStats       = "session-stats"
	MethodSessionClose       = "session-close"
	MethodBlocklistUpdate    = "blocklist-update"
	MethodPortTest           = "port-test"
	MethodQueueMoveTop       = "queue-move-top"
	MethodQueueMoveUp        = "queue-move-up"
	MethodQueueMoveDown      = "queue-move-down"
	MethodQueueMoveBottom    = "queue-move-bottom"
	MethodFreeSpace          = "free-space"
)

// Methods lists every method name the daemon understands, in protocol
// order.
var Methods = []string{
	MethodTorrentStart,
	MethodTorrentStartNow,
	MethodTorrentStop,
	MethodTorrentVerify,
	MethodTorrentReannounce,
	MethodTorrentSet,
	MethodTorrentGet,
	MethodTorrentAdd,
	MethodTorrentRemove,
	MethodTorrentSetLocation,
	MethodTorrentRenamePath,
	MethodSessionSet,
	MethodSessionGet,
	MethodSessionStats,
	MethodSessionClose,
	MethodBlocklistUpdate,
	MethodPortTest,
	MethodQueueMoveTop,
	MethodQueueMoveUp,
	MethodQueueMoveDown,
	MethodQueueMoveBottom,
	MethodFreeSpace,
}

// KnownMethod reports whether name is one of Methods.
func KnownMethod(name string) bool {
	for _, m := range Methods {
		if m == name {
			return true
		}
	}
	return false
}

// TargetsTorrents reports whether the method acts on a selection of
// existing torrents through an "ids" argument.
func TargetsTorrents(method string) bool {
	switch method {
	case MethodTorrentStart, MethodTorrentStartNow, MethodTorrentStop,
		MethodTorrentVerify, MethodTorrentReannounce, MethodTorrentSet,
		MethodTorrentGet, MethodTorrentRemove, MethodTorrentSetLocation,
		MethodTorrentRenamePath, MethodQueueMoveTop, MethodQueueMoveUp,
		MethodQueueMoveDown, MethodQueueMoveBottom:
		return true
	}
	return false
}

// Arguments holds call or result arguments. Values stay raw so that keys
// nobody inspects pass through byte-for-byte.
type Arguments map[string]json.RawMessage

// String returns the string stored at key, if any.
func (a Arguments) String(key string) (string, bool) {
	raw, ok := a[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Set stores v at key, encoded as JSON.
func (a Arguments) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding argument %q: %w", key, err)
	}
	a[key] = raw
	return nil
}

// Request is the call envelope.
type Request struct {
	Method    string    `json:"method"`
	Arguments Arguments `json:"arguments,omitempty"`
	Tag       *int      `json:"tag,omitempty"`
}

// Response is the result envelope.
type Response struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Tag       *int            `json:"tag,omitempty"`
}

// DecodeRequest parses a call envelope. A body without a method is
// rejected.
func DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding request envelope: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("decoding request envelope: missing method")
	}
	return &req, nil
}

// Failure builds a daemon-shaped error response echoing tag.
func Failure(tag *int, message string) *Response {
	return &Response{Result: message, Tag: tag}
}
