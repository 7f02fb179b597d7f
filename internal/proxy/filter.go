package proxy

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
)

const (
	fieldDownloadDir = "downloadDir"
	fieldID          = "id"
)

// requireFields makes sure a torrent-get request asks for each of want.
// It returns the fields it had to add so they can be stripped from the
// response again.
func requireFields(args rpc.Arguments, want ...string) ([]string, error) {
	var fields []string
	if raw, ok := args["fields"]; ok {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decoding fields: %w", err)
		}
	}

	var added []string
	for _, f := range want {
		if !slices.Contains(fields, f) {
			fields = append(fields, f)
			added = append(added, f)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}

	return added, args.Set("fields", fields)
}

// filterTorrentList keeps the torrents keep accepts and drops the added
// fields. Both the object and the table response formats are handled.
func filterTorrentList(raw json.RawMessage, keep func(downloadDir string) bool, added []string) (json.RawMessage, error) {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decoding torrent-get result: %w", err)
	}

	list, ok := args["torrents"]
	if !ok {
		return raw, nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(list, &rows); err != nil {
		return nil, fmt.Errorf("decoding torrents: %w", err)
	}

	var (
		filtered any
		err      error
	)
	if len(rows) > 0 && len(rows[0]) > 0 && rows[0][0] == '[' {
		filtered, err = filterTable(rows, keep, added)
	} else {
		filtered, err = filterObjects(rows, keep, added)
	}
	if err != nil {
		return nil, err
	}

	if args["torrents"], err = json.Marshal(filtered); err != nil {
		return nil, err
	}
	return json.Marshal(args)
}

func filterObjects(rows []json.RawMessage, keep func(string) bool, added []string) ([]map[string]json.RawMessage, error) {
	out := make([]map[string]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		var t map[string]json.RawMessage
		if err := json.Unmarshal(row, &t); err != nil {
			return nil, fmt.Errorf("decoding torrent: %w", err)
		}

		var dir string
		_ = json.Unmarshal(t[fieldDownloadDir], &dir)
		if !keep(dir) {
			continue
		}

		for _, f := range added {
			delete(t, f)
		}
		out = append(out, t)
	}
	return out, nil
}

// filterTable handles format "table": the first row names the columns
// and each further row holds one torrent's values.
func filterTable(rows []json.RawMessage, keep func(string) bool, added []string) ([][]json.RawMessage, error) {
	var header []string
	if err := json.Unmarshal(rows[0], &header); err != nil {
		return nil, fmt.Errorf("decoding torrent table header: %w", err)
	}

	dirCol := slices.Index(header, fieldDownloadDir)
	drop := make(map[int]bool, len(added))
	for _, f := range added {
		if i := slices.Index(header, f); i >= 0 {
			drop[i] = true
		}
	}

	project := func(cells []json.RawMessage) []json.RawMessage {
		out := make([]json.RawMessage, 0, len(cells))
		for i, c := range cells {
			if !drop[i] {
				out = append(out, c)
			}
		}
		return out
	}

	headerCells := make([]json.RawMessage, len(header))
	for i, h := range header {
		headerCells[i], _ = json.Marshal(h)
	}
	out := [][]json.RawMessage{project(headerCells)}

	for _, row := range rows[1:] {
		var cells []json.RawMessage
		if err := json.Unmarshal(row, &cells); err != nil {
			return nil, fmt.Errorf("decoding torrent table row: %w", err)
		}

		var dir string
		if dirCol >= 0 && dirCol < len(cells) {
			_ = json.Unmarshal(cells[dirCol], &dir)
		}
		if !keep(dir) {
			continue
		}
		out = append(out, project(cells))
	}
	return out, nil
}

// overrideSessionDir replaces download-dir in a session-get result.
func overrideSessionDir(raw json.RawMessage, dir string) (json.RawMessage, error) {
	var args rpc.Arguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decoding session-get result: %w", err)
	}
	if args == nil {
		args = rpc.Arguments{}
	}
	if err := args.Set("download-dir", dir); err != nil {
		return nil, err
	}
	return json.Marshal(args)
}
