package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	admin    = auth.Identity{Provider: auth.Basic(), Name: "admin"}
	readonly = auth.Identity{Provider: auth.Basic(), Name: "readonly"}
	stranger = auth.Identity{Provider: auth.Basic(), Name: "stranger"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticPolicy struct{ engine *acl.Engine }

func (p staticPolicy) Engine() *acl.Engine { return p.engine }

func scenarioPolicy(t *testing.T) staticPolicy {
	t.Helper()
	e, err := acl.NewEngine([]acl.Rule{
		{Identities: []acl.Matcher{acl.MatchBasic("admin")}, AllowedMethods: acl.AllMethods()},
		{
			Identities: []acl.Matcher{acl.MatchBasic("readonly")},
			AllowedMethods: acl.Methods(
				rpc.MethodTorrentGet, rpc.MethodSessionGet, rpc.MethodSessionStats,
				rpc.MethodFreeSpace, rpc.MethodTorrentAdd, rpc.MethodTorrentStop,
			),
		},
		{Deny: true},
	})
	require.NoError(t, err)
	return staticPolicy{engine: e}
}

type recordedDecision struct {
	method string
	effect acl.Effect
}

type fakeMetrics struct{ decisions []recordedDecision }

func (f *fakeMetrics) ObserveDecision(method string, d acl.Decision) {
	f.decisions = append(f.decisions, recordedDecision{method, d.Effect})
}

type harness struct {
	mediator *Mediator
	upstream *MockForwarder
	root     string
	metrics  *fakeMetrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	upstream := NewMockForwarder(ctrl)
	root := t.TempDir()
	metrics := &fakeMetrics{}

	basic := auth.NewBasicProvider(auth.BasicConfig{Enabled: true})
	opts = append([]Option{WithMetrics(metrics)}, opts...)

	return &harness{
		mediator: NewMediator(scenarioPolicy(t), auth.NewProviders(basic), upstream, NewDirs(root), testLogger(), opts...),
		upstream: upstream,
		root:     root,
		metrics:  metrics,
	}
}

func (h *harness) call(t *testing.T, id auth.Identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", strings.NewReader(body))
	if !id.IsAnonymous() {
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
	}
	rec := httptest.NewRecorder()
	h.mediator.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) rpc.Response {
	t.Helper()
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func success(tag int, args string) *rpc.Response {
	return &rpc.Response{Result: rpc.ResultSuccess, Arguments: json.RawMessage(args), Tag: &tag}
}

func TestMediator_ReadonlyTorrentGetForwarded(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.root, "readonly")

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		assert.Equal(t, rpc.MethodTorrentGet, req.Method)
		fields, _ := json.Marshal([]string{"id", "name", "downloadDir"})
		assert.JSONEq(t, string(fields), string(req.Arguments["fields"]))

		return success(7, `{"torrents":[
			{"id":1,"name":"mine","downloadDir":"`+dir+`"},
			{"id":2,"name":"theirs","downloadDir":"`+filepath.Join(h.root, "admin")+`"},
			{"id":3,"name":"nested","downloadDir":"`+filepath.Join(dir, "sub")+`"},
			{"id":4,"name":"prefix","downloadDir":"`+dir+`2"}
		]}`), nil
	})

	rec := h.call(t, readonly, `{"method":"torrent-get","arguments":{"fields":["id","name"]},"tag":7}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, rpc.ResultSuccess, resp.Result)
	require.NotNil(t, resp.Tag)
	assert.Equal(t, 7, *resp.Tag)

	var args struct {
		Torrents []map[string]any `json:"torrents"`
	}
	require.NoError(t, json.Unmarshal(resp.Arguments, &args))
	require.Len(t, args.Torrents, 2)
	assert.Equal(t, "mine", args.Torrents[0]["name"])
	assert.Equal(t, "nested", args.Torrents[1]["name"])
	assert.NotContains(t, args.Torrents[0], "downloadDir", "added field is stripped")
}

func TestMediator_ReadonlyTorrentRemoveDenied(t *testing.T) {
	h := newHarness(t)

	rec := h.call(t, readonly, `{"method":"torrent-remove","arguments":{"ids":[1]}}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized\n", rec.Body.String())
	assert.Equal(t, []recordedDecision{{rpc.MethodTorrentRemove, acl.Deny}}, h.metrics.decisions)
}

func TestMediator_UnknownIdentityDenied(t *testing.T) {
	h := newHarness(t)

	rec := h.call(t, stranger, `{"method":"session-get"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestMediator_AnonymousDeniedWithChallenge(t *testing.T) {
	h := newHarness(t)

	rec := h.call(t, auth.Anonymous, `{"method":"session-get"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.BasicChallenge, rec.Header().Get("WWW-Authenticate"))
}

func TestMediator_ReadonlyTorrentAddRewritten(t *testing.T) {
	h := newHarness(t)

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		dir, ok := req.Arguments.String("download-dir")
		assert.True(t, ok)
		assert.Equal(t, filepath.Join(h.root, "readonly"), dir)
		return success(1, `{"torrent-added":{"id":9}}`), nil
	})

	rec := h.call(t, readonly, `{"method":"torrent-add","arguments":{"filename":"magnet:?xt=x","download-dir":"/etc"},"tag":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	info, err := os.Stat(filepath.Join(h.root, "readonly"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMediator_ReadonlyTorrentAddDirInjected(t *testing.T) {
	h := newHarness(t)

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		dir, ok := req.Arguments.String("download-dir")
		assert.True(t, ok)
		assert.Equal(t, filepath.Join(h.root, "readonly"), dir)
		return success(1, `{}`), nil
	})

	rec := h.call(t, readonly, `{"method":"torrent-add","arguments":{"filename":"magnet:?xt=x"},"tag":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMediator_AdminForwardedUntouched(t *testing.T) {
	h := newHarness(t)

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		dir, _ := req.Arguments.String("download-dir")
		assert.Equal(t, "/srv/media", dir)
		return success(1, `{}`), nil
	})

	rec := h.call(t, admin, `{"method":"torrent-add","arguments":{"filename":"magnet:?xt=x","download-dir":"/srv/media"},"tag":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(h.root, "admin"))
	assert.True(t, os.IsNotExist(err), "super users get no directory")
}

func TestMediator_SessionGetDirOverridden(t *testing.T) {
	h := newHarness(t)

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).Return(success(3, `{"download-dir":"/srv","version":"4.0.5"}`), nil)

	rec := h.call(t, readonly, `{"method":"session-get","tag":3}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var args map[string]any
	require.NoError(t, json.Unmarshal(decodeResponse(t, rec).Arguments, &args))
	assert.Equal(t, filepath.Join(h.root, "readonly"), args["download-dir"])
	assert.Equal(t, "4.0.5", args["version"])
}

func TestMediator_TorrentIDsRestricted(t *testing.T) {
	h := newHarness(t)
	mine := filepath.Join(h.root, "readonly")

	gomock.InOrder(
		h.upstream.EXPECT().TorrentGet(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, args rpc.TorrentGetArgs) ([]rpc.Torrent, error) {
			assert.Len(t, args.IDs, 2)
			return []rpc.Torrent{
				{ID: 1, DownloadDir: mine},
				{ID: 2, DownloadDir: "/srv/other"},
			}, nil
		}),
		h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
			assert.JSONEq(t, `[1]`, string(req.Arguments["ids"]))
			return success(5, `{}`), nil
		}),
	)

	rec := h.call(t, readonly, `{"method":"torrent-stop","arguments":{"ids":[1,2]},"tag":5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMediator_NoOwnedTorrentsAnsweredLocally(t *testing.T) {
	h := newHarness(t)

	h.upstream.EXPECT().TorrentGet(gomock.Any(), gomock.Any()).Return([]rpc.Torrent{{ID: 2, DownloadDir: "/srv/other"}}, nil)

	rec := h.call(t, readonly, `{"method":"torrent-stop","tag":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, rpc.ResultSuccess, resp.Result)
	assert.Equal(t, 5, *resp.Tag)
}

func TestMediator_EmptyIDsSelectNothing(t *testing.T) {
	h := newHarness(t)

	// No upstream expectations: neither the ownership query nor the call
	// may reach the daemon.
	rec := h.call(t, readonly, `{"method":"torrent-stop","arguments":{"ids":[],"delete-local-data":true},"tag":6}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, rpc.ResultSuccess, resp.Result)
	require.NotNil(t, resp.Tag)
	assert.Equal(t, 6, *resp.Tag)
}

func TestMediator_RemoteErrorPassedThrough(t *testing.T) {
	h := newHarness(t)

	resp := &rpc.Response{Result: "invalid or corrupt torrent file"}
	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).Return(resp, &rpc.RemoteError{Result: resp.Result, Response: resp})

	rec := h.call(t, admin, `{"method":"torrent-add","arguments":{"metainfo":"AAAA"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "invalid or corrupt torrent file", decodeResponse(t, rec).Result)
}

func TestMediator_UpstreamFailuresAreBadGateway(t *testing.T) {
	errs := []error{
		&rpc.TransportError{Err: errors.New("connection refused")},
		&rpc.HTTPError{StatusCode: http.StatusInternalServerError},
		rpc.ErrSessionNegotiation,
		rpc.ErrMalformed,
	}
	for _, upstreamErr := range errs {
		t.Run(rpc.Outcome(upstreamErr), func(t *testing.T) {
			h := newHarness(t)
			h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).Return(nil, upstreamErr)

			rec := h.call(t, admin, `{"method":"session-get"}`)
			assert.Equal(t, http.StatusBadGateway, rec.Code)
		})
	}
}

func TestMediator_DirectoryFailureIsBadGateway(t *testing.T) {
	h := newHarness(t)
	// A file where the directory should go.
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "readonly"), nil, 0o600))

	rec := h.call(t, readonly, `{"method":"session-get","tag":4}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "DirectoryError", decodeResponse(t, rec).Result)
}

func TestMediator_MalformedBody(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{`not json`, `{}`, `{"arguments":{}}`} {
		rec := h.call(t, admin, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestMediator_GetNotAllowed(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.mediator.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transmission/rpc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMediator_CSRFHandshake(t *testing.T) {
	h := newHarness(t, WithCSRFToken("proxy-token"))

	rec := h.call(t, admin, `{"method":"session-get"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "proxy-token", rec.Header().Get(rpc.SessionHeader))

	h.upstream.EXPECT().Do(gomock.Any(), gomock.Any()).Return(success(1, `{}`), nil)

	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", strings.NewReader(`{"method":"session-get","tag":1}`))
	req.Header.Set(rpc.SessionHeader, "proxy-token")
	req = req.WithContext(auth.WithIdentity(req.Context(), admin))
	rec = httptest.NewRecorder()
	h.mediator.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
