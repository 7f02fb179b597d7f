package proxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
	"github.com/jackpal/bencode-go"
)

// errUnsupported marks calls whose trackers cannot be rewritten. They are
// refused with a failure result rather than forwarded unrewritten.
var errUnsupported = errors.New("unsupported")

// rewriteTrackers applies rules to every announce URL the call carries:
// the torrent added by torrent-add and the tracker edits of torrent-set.
func rewriteTrackers(req *rpc.Request, rules acl.TrackerRules) error {
	if req.Arguments == nil {
		return nil
	}
	switch req.Method {
	case rpc.MethodTorrentAdd:
		return rewriteAddTrackers(req.Arguments, rules)
	case rpc.MethodTorrentSet:
		return rewriteSetTrackers(req.Arguments, rules)
	}
	return nil
}

func rewriteAddTrackers(args rpc.Arguments, rules acl.TrackerRules) error {
	if _, ok := args["metainfo"]; ok {
		meta, ok := args.String("metainfo")
		if !ok {
			return errors.New("metainfo is not a string")
		}
		out, err := rewriteMetainfo(meta, rules)
		if err != nil {
			return err
		}
		return args.Set("metainfo", out)
	}

	filename, _ := args.String("filename")
	if !isMagnet(filename) {
		return fmt.Errorf("%w: trackers of a torrent added by URL or path cannot be rewritten", errUnsupported)
	}
	out, err := rewriteMagnet(filename, rules)
	if err != nil {
		return err
	}
	return args.Set("filename", out)
}

func isMagnet(s string) bool {
	return len(s) >= len("magnet:") && strings.EqualFold(s[:len("magnet:")], "magnet:")
}

// rewriteMetainfo rewrites announce and announce-list of a base64
// .torrent file. Tiers left empty are dropped.
func rewriteMetainfo(encoded string, rules acl.TrackerRules) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding metainfo: %w", err)
	}
	decoded, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decoding torrent: %w", err)
	}
	torrent, ok := decoded.(map[string]any)
	if !ok {
		return "", errors.New("torrent is not a dictionary")
	}

	// The info dictionary is re-encoded with the rest, so the input must
	// already be in canonical form or its info hash would change.
	var check bytes.Buffer
	if err := bencode.Marshal(&check, torrent); err != nil {
		return "", fmt.Errorf("encoding torrent: %w", err)
	}
	if !bytes.Equal(check.Bytes(), raw) {
		return "", fmt.Errorf("%w: torrent is not canonically encoded", errUnsupported)
	}

	if announce, ok := torrent["announce"].(string); ok {
		if rewritten, keep := rules.Apply(announce); keep {
			torrent["announce"] = rewritten
		} else {
			delete(torrent, "announce")
		}
	}

	if tiers, ok := torrent["announce-list"].([]any); ok {
		out := make([]any, 0, len(tiers))
		for _, tier := range tiers {
			urls, _ := tier.([]any)
			kept := make([]any, 0, len(urls))
			for _, u := range urls {
				s, ok := u.(string)
				if !ok {
					continue
				}
				if rewritten, keep := rules.Apply(s); keep {
					kept = append(kept, rewritten)
				}
			}
			if len(kept) > 0 {
				out = append(out, kept)
			}
		}
		if len(out) > 0 {
			torrent["announce-list"] = out
		} else {
			delete(torrent, "announce-list")
		}
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, torrent); err != nil {
		return "", fmt.Errorf("encoding torrent: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// rewriteMagnet rewrites the tr parameters of a magnet link. Other
// parameters are kept byte for byte.
func rewriteMagnet(link string, rules acl.TrackerRules) (string, error) {
	head, query, found := strings.Cut(link, "?")
	if !found {
		return link, nil
	}

	params := strings.Split(query, "&")
	kept := make([]string, 0, len(params))
	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		if key != "tr" && !strings.HasPrefix(key, "tr.") {
			kept = append(kept, p)
			continue
		}
		announce, err := url.QueryUnescape(value)
		if err != nil {
			return "", fmt.Errorf("decoding magnet tracker: %w", err)
		}
		if rewritten, keep := rules.Apply(announce); keep {
			kept = append(kept, key+"="+url.QueryEscape(rewritten))
		}
	}
	return head + "?" + strings.Join(kept, "&"), nil
}

// rewriteSetTrackers rewrites the tracker edits of torrent-set. Tracker
// ids pass through; announce URLs are rewritten and removed ones dropped.
func rewriteSetTrackers(args rpc.Arguments, rules acl.TrackerRules) error {
	if raw, ok := args["trackerAdd"]; ok {
		var urls []string
		if err := json.Unmarshal(raw, &urls); err != nil {
			return fmt.Errorf("decoding trackerAdd: %w", err)
		}
		if err := args.Set("trackerAdd", rules.ApplyAll(urls)); err != nil {
			return err
		}
	}

	if raw, ok := args["trackerRemove"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decoding trackerRemove: %w", err)
		}
		out := make([]json.RawMessage, 0, len(items))
		for _, item := range items {
			rewritten, keep, err := rewriteRawAnnounce(item, rules)
			if err != nil {
				return err
			}
			if keep {
				out = append(out, rewritten)
			}
		}
		if err := args.Set("trackerRemove", out); err != nil {
			return err
		}
	}

	if raw, ok := args["trackerReplace"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decoding trackerReplace: %w", err)
		}
		if len(items)%2 != 0 {
			return errors.New("trackerReplace must hold id and announce pairs")
		}
		out := make([]json.RawMessage, 0, len(items))
		for i := 0; i < len(items); i += 2 {
			rewritten, keep, err := rewriteRawAnnounce(items[i+1], rules)
			if err != nil {
				return err
			}
			if keep {
				out = append(out, items[i], rewritten)
			}
		}
		if err := args.Set("trackerReplace", out); err != nil {
			return err
		}
	}

	if _, ok := args["trackerList"]; ok {
		list, ok := args.String("trackerList")
		if !ok {
			return errors.New("trackerList is not a string")
		}
		if err := args.Set("trackerList", rewriteTrackerList(list, rules)); err != nil {
			return err
		}
	}

	return nil
}

// rewriteRawAnnounce rewrites item when it is a string. Anything else,
// such as a tracker id, is returned as is.
func rewriteRawAnnounce(item json.RawMessage, rules acl.TrackerRules) (json.RawMessage, bool, error) {
	var announce string
	if err := json.Unmarshal(item, &announce); err != nil {
		return item, true, nil
	}
	rewritten, keep := rules.Apply(announce)
	if !keep {
		return nil, false, nil
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, false, fmt.Errorf("encoding announce: %w", err)
	}
	return out, true, nil
}

// rewriteTrackerList rewrites a newline separated tracker list. Blank
// lines separate tiers and are kept.
func rewriteTrackerList(list string, rules acl.TrackerRules) string {
	lines := strings.Split(list, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		announce := strings.TrimSpace(line)
		if announce == "" {
			out = append(out, "")
			continue
		}
		if rewritten, keep := rules.Apply(announce); keep {
			out = append(out, rewritten)
		}
	}
	return strings.Join(out, "\n")
}
