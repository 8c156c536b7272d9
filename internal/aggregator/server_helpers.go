package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"conduit/internal/template"
	"conduit/pkg/logging"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

type ctxKey int

const (
	ctxKeySessionOptions ctxKey = iota
	ctxKeyAllowedTags
)

// sessionOptions carries the connection-time choices of an inbound
// client from the HTTP layer to the session registration hook.
type sessionOptions struct {
	filter     *SessionFilter
	pagination bool
	ctxData    *template.ContextData
}

func defaultSessionOptions() *sessionOptions {
	return &sessionOptions{filter: &SessionFilter{Mode: FilterNone}, pagination: true}
}

func sessionOptionsFrom(ctx context.Context) *sessionOptions {
	if opts, ok := ctx.Value(ctxKeySessionOptions).(*sessionOptions); ok {
		return opts
	}
	return defaultSessionOptions()
}

// ContextWithAllowedTags scopes the request to servers carrying at
// least one of the given tags. The authorization layer installs it
// after token verification.
func ContextWithAllowedTags(ctx context.Context, tags []string) context.Context {
	return context.WithValue(ctx, ctxKeyAllowedTags, tags)
}

// AllowedTagsFromContext returns the authorization tag scope, if any.
func AllowedTagsFromContext(ctx context.Context) []string {
	tags, _ := ctx.Value(ctxKeyAllowedTags).([]string)
	return tags
}

// NewSessionID mints an inbound session identifier.
func NewSessionID() string {
	return "cnd_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// sessionIDAdapter plugs the registry into the SDK's session id
// lifecycle for the streamable transport. Unknown ids are restored
// from storage when a persisted record exists.
type sessionIDAdapter struct {
	srv *Server
}

func (a *sessionIDAdapter) Generate() string {
	return NewSessionID()
}

func (a *sessionIDAdapter) Validate(sessionID string) (bool, error) {
	if _, ok := a.srv.sessions.Get(sessionID); ok {
		_ = a.srv.sessions.Touch(sessionID)
		return false, nil
	}

	meta, err := a.srv.sessions.Restore(sessionID)
	if err != nil {
		return false, err
	}
	a.srv.restoreSession(meta)
	return false, nil
}

func (a *sessionIDAdapter) Terminate(sessionID string) (bool, error) {
	a.srv.dropSession(sessionID)
	return false, nil
}

const maxPeekBody = 4 << 20

// initializeProbe is the part of an initialize request body the proxy
// inspects before the SDK parses it.
type initializeProbe struct {
	Method string `json:"method"`
	Params struct {
		ClientInfo mcp.Implementation `json:"clientInfo"`
		Meta       struct {
			Context *template.ContextData `json:"context"`
		} `json:"_meta"`
	} `json:"params"`
}

// peekInitialize reads and restores the request body, returning the
// template context and client info when the body is an initialize
// request. The typed SDK hook does not surface _meta, so the capture
// has to happen at the HTTP layer.
func peekInitialize(r *http.Request) (*template.ContextData, *mcp.Implementation) {
	if r.Method != http.MethodPost || r.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody+1))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		return nil, nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > maxPeekBody {
		return nil, nil
	}

	var probe initializeProbe
	if err := json.Unmarshal(body, &probe); err != nil || probe.Method != "initialize" {
		return nil, nil
	}
	info := probe.Params.ClientInfo
	return probe.Params.Meta.Context, &info
}

// captureMiddleware validates filter parameters and captures session
// context before handing the request to the MCP transport. Bad filters
// fail the request here so no session is ever created for them.
func (s *Server) captureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		filter, err := ParseFilterQuery(query, s.presets)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if allowed := AllowedTagsFromContext(r.Context()); len(allowed) > 0 {
			filter = RestrictToTags(filter, allowed)
		}

		opts := &sessionOptions{
			filter:     filter,
			pagination: ParsePaginationQuery(query),
		}
		if ctxData, clientInfo := peekInitialize(r); ctxData != nil || clientInfo != nil {
			if ctxData == nil {
				ctxData = &template.ContextData{}
			}
			ctxData.Timestamp = time.Now().UTC().Format(time.RFC3339)
			ctxData.Transport = &template.TransportInfo{Kind: s.cfg.Transport}
			if clientInfo != nil {
				ctxData.Transport.Client = template.ClientInfo{
					Name:    clientInfo.Name,
					Version: clientInfo.Version,
				}
			}
			opts.ctxData = ctxData
		}

		ctx := context.WithValue(r.Context(), ctxKeySessionOptions, opts)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	}); err != nil {
		logging.Warn("Aggregator", "Failed to write error response: %v", err)
	}
}
