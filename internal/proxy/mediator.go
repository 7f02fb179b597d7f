// Package proxy mediates calls from authenticated callers to the
// Transmission daemon. It applies the access policy, rewrites tracker
// URLs, confines restricted callers to their own download directory and
// maps upstream failures to responses.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/rpc"
)

// maxRequestBytes caps inbound call bodies. torrent-add may carry a
// base64 .torrent file.
const maxRequestBytes = 64 * 1024 * 1024

// Forwarder sends calls to the daemon. *rpc.Client implements it.
type Forwarder interface {
	Do(ctx context.Context, req *rpc.Request) (*rpc.Response, error)
	TorrentGet(ctx context.Context, args rpc.TorrentGetArgs) ([]rpc.Torrent, error)
}

// PolicySource yields the current ACL engine. A reloadable policy
// returns a new engine after each reload.
type PolicySource interface {
	Engine() *acl.Engine
}

// Metrics records mediation outcomes.
type Metrics interface {
	ObserveDecision(method string, d acl.Decision)
}

// Mediator is the RPC endpoint handler. It must run behind
// auth.Middleware, which supplies the caller's identity.
type Mediator struct {
	policy    PolicySource
	providers auth.ProviderSource
	upstream  Forwarder
	dirs      *Dirs
	logger    *slog.Logger
	metrics   Metrics
	csrf      string
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithMetrics records every decision.
func WithMetrics(m Metrics) Option {
	return func(md *Mediator) {
		md.metrics = m
	}
}

// WithCSRFToken makes the mediator require token in the session header
// of inbound calls, answering 409 with the token otherwise, the same
// handshake the daemon performs.
func WithCSRFToken(token string) Option {
	return func(md *Mediator) {
		md.csrf = token
	}
}

// NewMediator creates a mediator. providers decides whether denied
// anonymous callers get a Basic challenge.
func NewMediator(policy PolicySource, providers auth.ProviderSource, upstream Forwarder, dirs *Dirs, logger *slog.Logger, opts ...Option) *Mediator {
	m := &Mediator{
		policy:    policy,
		providers: providers,
		upstream:  upstream,
		dirs:      dirs,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mediator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)

		return
	}

	if m.csrf != "" && r.Header.Get(rpc.SessionHeader) != m.csrf {
		w.Header().Set(rpc.SessionHeader, m.csrf)
		http.Error(w, "409: Conflict", http.StatusConflict)

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeResponse(w, http.StatusRequestEntityTooLarge, rpc.Failure(nil, "request too large"))
		return
	}

	req, err := rpc.DecodeRequest(body)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, rpc.Failure(nil, "couldn't parse json"))
		return
	}

	id := auth.RequestIdentity(r.Context())
	decision := m.policy.Engine().Decide(id, req.Method)
	if m.metrics != nil {
		m.metrics.ObserveDecision(req.Method, decision)
	}

	if !decision.Allowed() {
		m.logger.Info("call denied",
			slog.String("identity", id.String()),
			slog.String("method", req.Method),
			slog.Int("rule", decision.Rule),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
		)
		if id.IsAnonymous() {
			auth.Challenge(w, r, m.providers.Providers(), "")
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)

		return
	}

	if decision.Bypass() {
		m.forward(r.Context(), w, req, nil)
		return
	}

	if len(decision.Trackers) > 0 {
		if err := rewriteTrackers(req, decision.Trackers); err != nil {
			m.logger.Info("tracker rewrite refused",
				slog.String("identity", id.String()),
				slog.String("method", req.Method),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, errUnsupported) {
				writeResponse(w, http.StatusOK, rpc.Failure(req.Tag, err.Error()))
				return
			}
			writeResponse(w, http.StatusBadRequest, rpc.Failure(req.Tag, "invalid arguments"))

			return
		}
	}

	if decision.DownloadDir == "" {
		m.forward(r.Context(), w, req, nil)
		return
	}

	m.confine(r.Context(), w, id, req, decision.DownloadDir)
}

// confine forwards a call from a caller restricted to rel.
func (m *Mediator) confine(ctx context.Context, w http.ResponseWriter, id auth.Identity, req *rpc.Request, rel string) {
	abs, err := m.dirs.Ensure(rel)
	if err != nil {
		m.logger.Error("preparing download directory",
			slog.String("identity", id.String()),
			slog.String("error", err.Error()),
		)
		writeResponse(w, http.StatusBadGateway, rpc.Failure(req.Tag, "DirectoryError"))

		return
	}

	if req.Arguments == nil {
		req.Arguments = rpc.Arguments{}
	}

	var post func(*rpc.Response) error

	switch req.Method {
	case rpc.MethodTorrentAdd:
		err = req.Arguments.Set("download-dir", abs)

	case rpc.MethodSessionSet:
		if _, ok := req.Arguments["download-dir"]; ok {
			err = req.Arguments.Set("download-dir", abs)
		}

	case rpc.MethodTorrentSetLocation:
		err = req.Arguments.Set("location", abs)

	case rpc.MethodTorrentSet:
		if _, ok := req.Arguments["location"]; ok {
			err = req.Arguments.Set("location", abs)
		}

	case rpc.MethodTorrentGet:
		var added []string
		added, err = requireFields(req.Arguments, fieldDownloadDir)
		post = func(resp *rpc.Response) error {
			if len(resp.Arguments) == 0 {
				return nil
			}
			out, ferr := filterTorrentList(resp.Arguments, func(dir string) bool {
				return m.dirs.Contains(rel, dir)
			}, added)
			if ferr != nil {
				return ferr
			}
			resp.Arguments = out
			return nil
		}

	case rpc.MethodSessionGet:
		post = func(resp *rpc.Response) error {
			out, ferr := overrideSessionDir(resp.Arguments, abs)
			if ferr != nil {
				return ferr
			}
			resp.Arguments = out
			return nil
		}
	}
	if err != nil {
		writeResponse(w, http.StatusBadRequest, rpc.Failure(req.Tag, "invalid arguments"))
		return
	}

	if rpc.TargetsTorrents(req.Method) && req.Method != rpc.MethodTorrentGet {
		owned, err := m.ownedIDs(ctx, req.Arguments, rel)
		if err != nil {
			m.writeUpstreamError(w, req, err)
			return
		}
		if len(owned) == 0 {
			writeResponse(w, http.StatusOK, &rpc.Response{
				Result:    rpc.ResultSuccess,
				Arguments: json.RawMessage(`{}`),
				Tag:       req.Tag,
			})

			return
		}
		if err := req.Arguments.Set("ids", owned); err != nil {
			writeResponse(w, http.StatusBadRequest, rpc.Failure(req.Tag, "invalid arguments"))
			return
		}
	}

	m.forward(ctx, w, req, post)
}

// ownedIDs narrows the call's torrent selection to torrents under rel.
// A call without ids selects every torrent; an empty ids list selects
// none.
func (m *Mediator) ownedIDs(ctx context.Context, args rpc.Arguments, rel string) (rpc.IDs, error) {
	query := rpc.TorrentGetArgs{Fields: []string{fieldID, fieldDownloadDir}}

	if raw, ok := args["ids"]; ok {
		var ids any
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("decoding ids: %w", err)
		}
		switch v := ids.(type) {
		case []any:
			// An empty list selects nothing. Left empty, the query
			// below would drop the key and select everything.
			if len(v) == 0 {
				return rpc.IDs{}, nil
			}
			query.IDs = v
		case string:
			// "recently-active" cannot be combined with other ids;
			// checking every torrent is a superset.
			if v != "recently-active" {
				query.IDs = rpc.IDs{v}
			}
		default:
			query.IDs = rpc.IDs{v}
		}
	}

	torrents, err := m.upstream.TorrentGet(ctx, query)
	if err != nil {
		return nil, err
	}

	owned := make(rpc.IDs, 0, len(torrents))
	for _, t := range torrents {
		if m.dirs.Contains(rel, t.DownloadDir) {
			owned = append(owned, t.ID)
		}
	}
	return owned, nil
}

func (m *Mediator) forward(ctx context.Context, w http.ResponseWriter, req *rpc.Request, post func(*rpc.Response) error) {
	resp, err := m.upstream.Do(ctx, req)

	var remote *rpc.RemoteError
	if err != nil && !errors.As(err, &remote) {
		m.writeUpstreamError(w, req, err)
		return
	}

	if post != nil && err == nil {
		if perr := post(resp); perr != nil {
			m.logger.Warn("rewriting daemon response",
				slog.String("method", req.Method),
				slog.String("error", perr.Error()),
			)
			writeResponse(w, http.StatusBadGateway, rpc.Failure(req.Tag, "bad gateway"))

			return
		}
	}

	writeResponse(w, http.StatusOK, resp)
}

func (m *Mediator) writeUpstreamError(w http.ResponseWriter, req *rpc.Request, err error) {
	m.logger.Warn("daemon call failed",
		slog.String("method", req.Method),
		slog.String("outcome", rpc.Outcome(err)),
		slog.String("error", err.Error()),
	)

	var remote *rpc.RemoteError
	if errors.As(err, &remote) && remote.Response != nil {
		resp := *remote.Response
		resp.Tag = req.Tag
		writeResponse(w, http.StatusOK, &resp)

		return
	}
	writeResponse(w, http.StatusBadGateway, rpc.Failure(req.Tag, "bad gateway"))
}

func writeResponse(w http.ResponseWriter, status int, resp *rpc.Response) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
