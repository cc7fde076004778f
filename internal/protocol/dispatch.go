package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Role names an access level for the authorization boundary hook.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
	RolePeer  Role = "PEER"
	RoleGuest Role = "GUEST"
)

// AuthTokenHeader is the envelope header carrying an opaque auth token.
const AuthTokenHeader = "authToken"

// AuthorizeFunc checks token against requiredRole. A nil AuthorizeFunc on
// the Dispatcher means no handler can require a role.
type AuthorizeFunc func(token string, requiredRole Role) error

// MessageContext carries per-request metadata through a dispatch, per
// spec.md §4.3.
type MessageContext struct {
	ConnectionID string
	RemoteAddr   net.Addr
	Protocol     string
	ReceivedAt   time.Time

	mu         sync.RWMutex
	attributes map[string]any
}

// NewMessageContext constructs a context for one inbound connection turn.
func NewMessageContext(connectionID string, remote net.Addr, proto string) *MessageContext {
	return &MessageContext{
		ConnectionID: connectionID,
		RemoteAddr:   remote,
		Protocol:     proto,
		ReceivedAt:   time.Now(),
		attributes:   make(map[string]any),
	}
}

// Set stores an arbitrary attribute (e.g. "authenticated", "peerId",
// "sessionId").
func (c *MessageContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[key] = value
}

// Get retrieves an attribute previously stored with Set.
func (c *MessageContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attributes[key]
	return v, ok
}

// HandlerFunc processes one request envelope and optionally returns a
// response envelope. A nil response with a nil error means "no reply."
type HandlerFunc func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error)

type registeredHandler struct {
	priority     int
	handler      HandlerFunc
	requiredRole Role // empty means no authorization check
}

// Interceptor observes or vetoes a dispatch. Pre runs before the handler;
// returning a non-nil response short-circuits the handler (a veto). Post
// observes the final request/response pair.
type Interceptor interface {
	Pre(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error)
	Post(ctx context.Context, mctx *MessageContext, req, resp *Envelope)
}

// Dispatcher routes an inbound Envelope to the highest-priority handler
// registered for its Type, per spec.md §4.3.
type Dispatcher struct {
	senderID string

	// Authorize is the boundary hook consulted for handlers registered
	// with a required role. Left nil when no auth collaborator is wired.
	Authorize AuthorizeFunc

	mu           sync.RWMutex
	handlers     map[Type][]registeredHandler
	interceptors []Interceptor
}

// NewDispatcher constructs a Dispatcher that stamps senderID on any Error
// envelopes it synthesizes.
func NewDispatcher(senderID string) *Dispatcher {
	return &Dispatcher{senderID: senderID, handlers: make(map[Type][]registeredHandler)}
}

// Register adds a handler for msgType at the given priority (higher runs
// first; only the highest-priority handler actually receives the
// message, per spec.md §4.3).
func (d *Dispatcher) Register(msgType Type, priority int, h HandlerFunc) {
	d.register(msgType, registeredHandler{priority: priority, handler: h})
}

// RegisterWithRole is Register for handlers that opt in to the
// authorization boundary hook: the dispatcher checks the envelope's auth
// token against role before invoking h.
func (d *Dispatcher) RegisterWithRole(msgType Type, priority int, role Role, h HandlerFunc) {
	d.register(msgType, registeredHandler{priority: priority, handler: h, requiredRole: role})
}

func (d *Dispatcher) register(msgType Type, rh registeredHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = append(d.handlers[msgType], rh)
	sort.SliceStable(d.handlers[msgType], func(i, j int) bool {
		return d.handlers[msgType][i].priority > d.handlers[msgType][j].priority
	})
}

// Use appends an interceptor to the chain.
func (d *Dispatcher) Use(i Interceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interceptors = append(d.interceptors, i)
}

// Dispatch validates req, runs pre-interceptors, invokes the
// highest-priority handler for req.Type, runs post-interceptors, and
// returns the handler's response (or an Error envelope on failure).
func (d *Dispatcher) Dispatch(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
	if err := req.IsValid(); err != nil {
		return d.errorEnvelope(req, CodeInvalidMessage, err.Error())
	}

	d.mu.RLock()
	interceptors := append([]Interceptor(nil), d.interceptors...)
	handlers := d.handlers[req.Type]
	d.mu.RUnlock()

	for _, ic := range interceptors {
		if veto, err := ic.Pre(ctx, mctx, req); err != nil {
			return d.errorEnvelope(req, CodeInternalError, err.Error())
		} else if veto != nil {
			return veto, nil
		}
	}

	if len(handlers) == 0 {
		resp, _ := d.errorEnvelope(req, CodeUnknownCommand, fmt.Sprintf("no handler registered for %s", req.Type))
		d.runPost(ctx, mctx, interceptors, req, resp)
		return resp, nil
	}

	if role := handlers[0].requiredRole; role != "" {
		if d.Authorize == nil {
			resp, _ := d.errorEnvelope(req, CodeAuthorizationFailed, "no authorizer configured")
			d.runPost(ctx, mctx, interceptors, req, resp)
			return resp, nil
		}
		if err := d.Authorize(req.Headers[AuthTokenHeader], role); err != nil {
			resp, _ := d.errorEnvelope(req, CodeAuthorizationFailed, err.Error())
			d.runPost(ctx, mctx, interceptors, req, resp)
			return resp, nil
		}
	}

	resp, err := handlers[0].handler(ctx, mctx, req)
	if err != nil {
		resp, _ = d.errorEnvelope(req, codeFromError(err), err.Error())
	}
	d.runPost(ctx, mctx, interceptors, req, resp)
	return resp, nil
}

func (d *Dispatcher) runPost(ctx context.Context, mctx *MessageContext, interceptors []Interceptor, req, resp *Envelope) {
	for _, ic := range interceptors {
		ic.Post(ctx, mctx, req, resp)
	}
}

func (d *Dispatcher) errorEnvelope(req *Envelope, code Code, message string) (*Envelope, error) {
	e, err := NewErrorEnvelope(d.senderID, req.SenderID, req.MessageID, code, message)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func codeFromError(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}
