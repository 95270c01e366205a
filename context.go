package activity

import (
	"context"
	"sync"
)

// Well-known Context field keys. Set recognizes them and routes the value to
// the corresponding typed field; any other key lands in the open extension map.
const (
	KeyUserID    = "userId"
	KeyRequestID = "requestId"
	KeyIP        = "ip"
	KeyUserAgent = "userAgent"
	KeySessionID = "sessionId"
)

// Context carries ambient per-request metadata (acting user, request id, client
// ip, session id, user agent) across the asynchronous call chain of one logical
// request, without explicit parameter threading. It rides on context.Context,
// which is Go's task-local storage: concurrent scopes each hold their own
// *Context and can never observe each other's values.
//
// A Context is exclusively owned by the execution scope that created it. Its
// own mutators are safe for concurrent use within that scope.
type Context struct {
	mu        sync.Mutex
	userID    string
	requestID string
	ip        string
	userAgent string
	sessionID string
	extra     map[string]interface{}
	ended     bool
}

// scopeKey is the context key under which the active *Context is stored.
type scopeKey struct{}

// NewScope creates an empty Context ready to be populated and installed.
func NewScope() *Context {
	return &Context{extra: make(map[string]interface{})}
}

// NewContext returns a derived context carrying ac as the active scope.
// A nil ac returns parent unchanged.
func NewContext(parent context.Context, ac *Context) context.Context {
	if ac == nil {
		return parent
	}
	return context.WithValue(parent, scopeKey{}, ac)
}

// FromContext returns the Context active in ctx, or nil when none is installed.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	ac, _ := ctx.Value(scopeKey{}).(*Context)
	return ac
}

// Run executes fn with ac installed as the active scope for its entire dynamic
// extent, including any goroutines or asynchronous continuations that inherit
// the derived context. Nested Run calls shadow the outer scope for their extent
// only; the outer scope is visible again once fn returns. The scope is marked
// ended when fn completes.
//
// Parameters:
//   - ctx: The parent context; its deadline and values are preserved.
//   - ac: The scope to install. A nil scope runs fn with no active Context.
//   - fn: The function to execute inside the scope.
//
// Returns:
//   - error: Whatever fn returns.
func Run(ctx context.Context, ac *Context, fn func(ctx context.Context) error) error {
	defer func() {
		if ac != nil {
			ac.End()
		}
	}()
	return fn(NewContext(ctx, ac))
}

// Set stores a value on the active scope of ctx. It is a no-op when no scope is
// installed or the scope has ended.
func Set(ctx context.Context, key string, value interface{}) {
	if ac := FromContext(ctx); ac != nil {
		ac.Set(key, value)
	}
}

// Set stores a value on the scope. Well-known keys populate the typed fields;
// other keys go to the extension map. Values set after Clear are discarded.
func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if s, ok := value.(string); ok {
		switch key {
		case KeyUserID:
			c.userID = s
			return
		case KeyRequestID:
			c.requestID = s
			return
		case KeyIP:
			c.ip = s
			return
		case KeyUserAgent:
			c.userAgent = s
			return
		case KeySessionID:
			c.sessionID = s
			return
		}
	}
	if c.extra == nil {
		c.extra = make(map[string]interface{})
	}
	c.extra[key] = value
}

// Value returns an extension value previously stored under key.
func (c *Context) Value(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.extra[key]
	return v, ok
}

// Clear empties every field of the scope and marks it ended. A cleared scope
// yields zero values from all accessors and ignores further Set calls; create
// a new scope to start over.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.requestID = ""
	c.ip = ""
	c.userAgent = ""
	c.sessionID = ""
	c.extra = nil
	c.ended = true
}

// End marks the scope ended without wiping already-populated fields. Request
// middleware calls it when the response cycle completes.
func (c *Context) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
}

// Ended reports whether the scope has been ended or cleared.
func (c *Context) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// UserID returns the acting user id, or "" on a nil or cleared scope.
func (c *Context) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// RequestID returns the request correlation id, or "".
func (c *Context) RequestID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// IP returns the client address, or "".
func (c *Context) IP() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ip
}

// UserAgent returns the client user agent, or "".
func (c *Context) UserAgent() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userAgent
}

// SessionID returns the session id, or "".
func (c *Context) SessionID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
