package activity

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Extractor populates one field of the per-request scope from the incoming
// request. Extractors run in registration order; a later extractor sees what
// earlier ones stored.
type Extractor func(r *http.Request, ac *Context)

// MiddlewareOption configures the HTTP middleware.
type MiddlewareOption func(*middleware)

// WithExtractors replaces the default extractor chain.
func WithExtractors(extractors ...Extractor) MiddlewareOption {
	return func(m *middleware) { m.extractors = extractors }
}

// WithExtraExtractors appends extractors after the default chain, typically to
// pull the authenticated user out of an application-specific token.
func WithExtraExtractors(extractors ...Extractor) MiddlewareOption {
	return func(m *middleware) { m.extractors = append(m.extractors, extractors...) }
}

// WithMiddlewareLogger sets the diagnostic logger for extractor panics.
func WithMiddlewareLogger(log logrus.FieldLogger) MiddlewareOption {
	return func(m *middleware) {
		if log != nil {
			m.log = log
		}
	}
}

type middleware struct {
	extractors []Extractor
	log        logrus.FieldLogger
}

// Middleware installs a fresh Context scope for each request, populated by the
// extractor chain, and ends the scope when the handler returns. Every activity
// logged during the request, synchronously or from spawned goroutines holding
// the request context, inherits the scope's metadata.
//
// The default chain fills requestId (X-Request-ID, minted when absent), ip
// (first X-Forwarded-For hop, else RemoteAddr), userAgent, sessionId (cookie
// or X-Session-ID header) and userId (X-User-ID header). Authentication-aware
// callers append their own extractor via WithExtraExtractors.
//
// An extractor panic skips that extractor only; the request proceeds with
// whatever the chain managed to populate.
func Middleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{
		extractors: []Extractor{
			ExtractUserHeader,
			ExtractRequestID,
			ExtractClientIP,
			ExtractUserAgent,
			ExtractSession,
		},
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := NewScope()
			for _, extract := range m.extractors {
				m.runExtractor(extract, r, ac)
			}
			defer ac.End()
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), ac)))
		})
	}
}

func (m *middleware) runExtractor(extract Extractor, r *http.Request, ac *Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.WithField("panic", rec).Warn("activity: scope extractor panicked")
		}
	}()
	extract(r, ac)
}

// ExtractUserHeader stores the X-User-ID header, when present, as the acting
// user. Deployments behind an authenticating proxy get attribution for free;
// everyone else supplies their own extractor.
func ExtractUserHeader(r *http.Request, ac *Context) {
	if v := r.Header.Get("X-User-ID"); v != "" {
		ac.Set(KeyUserID, v)
	}
}

// ExtractRequestID stores the inbound X-Request-ID, minting a fresh UUID when
// the client did not send one, so every request is correlatable.
func ExtractRequestID(r *http.Request, ac *Context) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	ac.Set(KeyRequestID, id)
}

// ExtractClientIP stores the originating client address: the first hop of
// X-Forwarded-For when present, else the connection's remote address with the
// port stripped.
func ExtractClientIP(r *http.Request, ac *Context) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		ac.Set(KeyIP, strings.TrimSpace(first))
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ac.Set(KeyIP, host)
}

// ExtractUserAgent stores the client's User-Agent string.
func ExtractUserAgent(r *http.Request, ac *Context) {
	if ua := r.UserAgent(); ua != "" {
		ac.Set(KeyUserAgent, ua)
	}
}

// ExtractSession stores the session id from the "session_id" cookie, falling
// back to the X-Session-ID header.
func ExtractSession(r *http.Request, ac *Context) {
	if c, err := r.Cookie("session_id"); err == nil && c.Value != "" {
		ac.Set(KeySessionID, c.Value)
		return
	}
	if v := r.Header.Get("X-Session-ID"); v != "" {
		ac.Set(KeySessionID, v)
	}
}
