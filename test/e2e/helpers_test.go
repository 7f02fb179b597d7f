package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/config"
	"github.com/alexjbarnes/transmission-proxy/internal/proxy"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
	"github.com/alexjbarnes/transmission-proxy/internal/server"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	daemonToken = "daemon-session-token"
	csrfToken   = "proxy-session-token"
	secretKey   = "e2e-secret-key-that-is-long-enough!!"
)

var passwords = map[string]string{
	"admin":    "admin-pass",
	"readonly": "readonly-pass",
	"stranger": "stranger-pass",
}

// daemon is a fake Transmission daemon. It performs the session handshake
// and serves a fixed torrent list.
type daemon struct {
	*httptest.Server

	mu       sync.Mutex
	torrents []map[string]any
	calls    []*rpc.Request
	conflict int
}

func newDaemon(t *testing.T, root string) *daemon {
	t.Helper()

	d := &daemon{
		torrents: []map[string]any{
			{"id": 1, "name": "mine", "downloadDir": filepath.Join(root, "readonly")},
			{"id": 2, "name": "nested", "downloadDir": filepath.Join(root, "readonly", "sub")},
			{"id": 3, "name": "theirs", "downloadDir": filepath.Join(root, "admin")},
			{"id": 4, "name": "outside", "downloadDir": "/srv/other"},
		},
	}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.Close)

	return d
}

func (d *daemon) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.Header.Get(rpc.SessionHeader) != daemonToken {
		d.conflict++
		w.Header().Set(rpc.SessionHeader, daemonToken)
		w.WriteHeader(http.StatusConflict)
		return
	}

	body, _ := io.ReadAll(r.Body)
	req, err := rpc.DecodeRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.calls = append(d.calls, req)

	args := map[string]any{}
	switch req.Method {
	case rpc.MethodTorrentGet:
		args["torrents"] = d.selected(req.Arguments)
	case rpc.MethodSessionGet:
		args["download-dir"] = "/srv/downloads"
		args["version"] = "4.0.6"
	case rpc.MethodTorrentAdd:
		args["torrent-added"] = map[string]any{"id": 5, "name": "new", "hashString": "abc"}
	}

	resp, _ := json.Marshal(map[string]any{"result": "success", "arguments": args, "tag": req.Tag})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (d *daemon) selected(args rpc.Arguments) []map[string]any {
	raw, ok := args["ids"]
	if !ok {
		return d.torrents
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return d.torrents
	}
	var out []map[string]any
	for _, t := range d.torrents {
		for _, id := range ids {
			if t["id"] == id {
				out = append(out, t)
			}
		}
	}
	return out
}

// lastCall returns the most recent call the daemon accepted.
func (d *daemon) lastCall() *rpc.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return nil
	}
	return d.calls[len(d.calls)-1]
}

func (d *daemon) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// harness is the full stack: daemon, policy file, router and server.
type harness struct {
	URL        string
	Root       string
	PolicyPath string
	Policy     *config.Holder
	Daemon     *daemon
	Client     *http.Client
}

const policyTemplate = `
providers:
  basic:
    enabled: true
    users:
      - username: admin
        password: "%s"
      - username: readonly
        password: "%s"
      - username: stranger
        password: "%s"
acls:
  rules:
    - identities:
        - provider: basic
          name: admin
      allowed_methods: all
    - identities:
        - provider: basic
          name: readonly
      allowed_methods:
        - torrent-get
        - torrent-add
        - torrent-stop
        - session-get
    - deny: true
`

func writePolicy(t *testing.T, path, doc string) {
	t.Helper()

	hashes := make([]any, 0, 3)
	for _, u := range []string{"admin", "readonly", "stranger"} {
		h, err := bcrypt.GenerateFromPassword([]byte(passwords[u]), bcrypt.MinCost)
		require.NoError(t, err)
		hashes = append(hashes, string(h))
	}
	require.NoError(t, os.WriteFile(path, fmt.Appendf(nil, doc, hashes...), 0o600))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	d := newDaemon(t, root)
	logger := slog.New(slog.DiscardHandler)

	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, policyPath, policyTemplate)

	logins := auth.NewLoginStore()
	t.Cleanup(logins.Stop)

	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	holder, err := config.NewHolder(policyPath, config.BuildOptions{
		PublicURL: serverURL + "/transmission",
		Logins:    logins,
		Logger:    logger,
	}, logger, nil)
	require.NoError(t, err)

	upstream, err := rpc.NewClient(d.URL+"/transmission/rpc", rpc.NewSession(),
		rpc.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
		rpc.WithLogger(logger),
	)
	require.NoError(t, err)

	sessions, err := auth.NewSessionSigner([]byte(secretKey), time.Hour)
	require.NoError(t, err)

	ts.Config.Handler = server.NewRouter(server.Config{
		BasePath:  "/transmission",
		Policy:    holder,
		Sessions:  sessions,
		Upstream:  upstream,
		Dirs:      proxy.NewDirs(root),
		CSRFToken: csrfToken,
		Logger:    logger,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:        serverURL,
		Root:       root,
		PolicyPath: policyPath,
		Policy:     holder,
		Daemon:     d,
		Client:     ts.Client(),
	}
}

// rpcResult is the decoded response envelope.
type rpcResult struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
	Tag       *int            `json:"tag"`
}

// call posts an RPC as user (no credentials when user is ""), performing
// the proxy's own session handshake first.
func (h *harness) call(t *testing.T, user, body string) (*http.Response, rpcResult) {
	t.Helper()

	send := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, h.URL+"/transmission/rpc", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(rpc.SessionHeader, token)
		}
		if user != "" {
			req.SetBasicAuth(user, passwords[user])
		}
		resp, err := h.Client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := send("")
	if resp.StatusCode == http.StatusConflict {
		token := resp.Header.Get(rpc.SessionHeader)
		resp.Body.Close()
		resp = send(token)
	}
	defer resp.Body.Close()

	var out rpcResult
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

// torrentNames extracts the names from a torrent-get result.
func torrentNames(t *testing.T, args json.RawMessage) []string {
	t.Helper()

	var list struct {
		Torrents []struct {
			Name string `json:"name"`
		} `json:"torrents"`
	}
	require.NoError(t, json.Unmarshal(args, &list))

	names := make([]string, len(list.Torrents))
	for i, tr := range list.Torrents {
		names[i] = tr.Name
	}
	return names
}
