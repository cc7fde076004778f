package protocol

import (
	"context"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e, err := NewEnvelope("p1", "tracker", TypeRegisterRequest, RegisterRequest{PeerID: "p1", Host: "h", Port: 8080})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.MessageID != e.MessageID || got.SenderID != e.SenderID || got.Type != e.Type {
		t.Fatalf("round trip lost envelope fields: got %+v want %+v", got, e)
	}
	var payload RegisterRequest
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.PeerID != "p1" || payload.Host != "h" || payload.Port != 8080 {
		t.Fatalf("round trip lost payload fields: %+v", payload)
	}
}

func TestReplyCarriesCorrelationID(t *testing.T) {
	req, _ := NewEnvelope("p2", "tracker", TypeDiscoverRequest, DiscoverRequest{})
	resp, err := req.Reply(TypeDiscoverResponse, DiscoverResponse{})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.CorrelationID != req.MessageID {
		t.Fatalf("expected correlationId %s, got %s", req.MessageID, resp.CorrelationID)
	}
}

func TestPortBoundariesRejected(t *testing.T) {
	if err := (RegisterRequest{PeerID: "p", Host: "h", Port: 0}).IsValid(); err == nil {
		t.Fatalf("expected port 0 to be rejected")
	}
	if err := (RegisterRequest{PeerID: "p", Host: "h", Port: 65536}).IsValid(); err == nil {
		t.Fatalf("expected port 65536 to be rejected")
	}
	if err := (RegisterRequest{PeerID: "p", Host: "h", Port: 65535}).IsValid(); err != nil {
		t.Fatalf("expected port 65535 to be valid: %v", err)
	}
}

func TestEmptyRequiredFieldsRejected(t *testing.T) {
	if err := (RegisterRequest{PeerID: "", Host: "h", Port: 80}).IsValid(); err == nil {
		t.Fatalf("expected empty peerId to be rejected")
	}
	if err := (UnregisterFileRequest{FileName: "", PeerID: "p"}).IsValid(); err == nil {
		t.Fatalf("expected empty fileName to be rejected")
	}
}

func TestDispatcherUnknownCommand(t *testing.T) {
	d := NewDispatcher("tracker")
	req, _ := NewEnvelope("p1", "tracker", TypeRegisterRequest, RegisterRequest{PeerID: "p1", Host: "h", Port: 80})
	mctx := NewMessageContext("c1", nil, "tcp")
	resp, err := d.Dispatch(context.Background(), mctx, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Type != TypeError {
		t.Fatalf("expected Error envelope, got %s", resp.Type)
	}
	var payload ErrorPayload
	if err := resp.Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != CodeUnknownCommand {
		t.Fatalf("expected UNKNOWN_COMMAND, got %s", payload.Code)
	}
	if resp.CorrelationID != req.MessageID {
		t.Fatalf("expected correlationId to match request")
	}
}

func TestDispatcherInvalidMessage(t *testing.T) {
	d := NewDispatcher("tracker")
	req, _ := NewEnvelope("", "tracker", TypeRegisterRequest, RegisterRequest{})
	req.SenderID = ""
	mctx := NewMessageContext("c1", nil, "tcp")
	resp, _ := d.Dispatch(context.Background(), mctx, req)
	var payload ErrorPayload
	_ = resp.Decode(&payload)
	if payload.Code != CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %s", payload.Code)
	}
}

func TestDispatcherHighestPriorityHandlerWins(t *testing.T) {
	d := NewDispatcher("tracker")
	var called []string
	d.Register(TypeRegisterRequest, 1, func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
		called = append(called, "low")
		return req.Reply(TypeRegisterResponse, RegisterResponse{Success: true})
	})
	d.Register(TypeRegisterRequest, 10, func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
		called = append(called, "high")
		return req.Reply(TypeRegisterResponse, RegisterResponse{Success: true})
	})
	req, _ := NewEnvelope("p1", "tracker", TypeRegisterRequest, RegisterRequest{PeerID: "p1", Host: "h", Port: 80})
	_, err := d.Dispatch(context.Background(), NewMessageContext("c1", nil, "tcp"), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(called) != 1 || called[0] != "high" {
		t.Fatalf("expected only the highest-priority handler to run, got %v", called)
	}
}

type vetoInterceptor struct{ vetoWith *Envelope }

func (v vetoInterceptor) Pre(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
	return v.vetoWith, nil
}
func (v vetoInterceptor) Post(ctx context.Context, mctx *MessageContext, req, resp *Envelope) {}

func TestInterceptorCanVeto(t *testing.T) {
	d := NewDispatcher("tracker")
	handlerCalled := false
	d.Register(TypeRegisterRequest, 1, func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
		handlerCalled = true
		return req.Reply(TypeRegisterResponse, RegisterResponse{Success: true})
	})
	req, _ := NewEnvelope("p1", "tracker", TypeRegisterRequest, RegisterRequest{PeerID: "p1", Host: "h", Port: 80})
	veto, _ := req.Reply(TypeError, ErrorPayload{Code: CodeAuthenticationFailed, Message: "nope"})
	d.Use(vetoInterceptor{vetoWith: veto})

	resp, err := d.Dispatch(context.Background(), NewMessageContext("c1", nil, "tcp"), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handlerCalled {
		t.Fatalf("expected interceptor veto to prevent handler invocation")
	}
	if resp != veto {
		t.Fatalf("expected vetoed response to be returned")
	}
}

func TestRegisterWithRoleEnforcesAuthorization(t *testing.T) {
	d := NewDispatcher("tracker")
	d.Authorize = func(token string, requiredRole Role) error {
		if token != "secret" {
			return NewError(CodeAuthorizationFailed, "bad token")
		}
		return nil
	}
	handlerCalled := false
	d.RegisterWithRole(TypeDeregisterRequest, 0, RoleAdmin, func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
		handlerCalled = true
		return req.Reply(TypeDeregisterResponse, DeregisterResponse{Success: true})
	})

	req, _ := NewEnvelope("p1", "tracker", TypeDeregisterRequest, DeregisterRequest{PeerID: "p1"})
	resp, err := d.Dispatch(context.Background(), NewMessageContext("c1", nil, "tcp"), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	var payload ErrorPayload
	_ = resp.Decode(&payload)
	if payload.Code != CodeAuthorizationFailed {
		t.Fatalf("expected AUTHORIZATION_FAILED without a token, got %s", payload.Code)
	}
	if handlerCalled {
		t.Fatalf("expected handler to be skipped on failed authorization")
	}

	req2, _ := NewEnvelope("p1", "tracker", TypeDeregisterRequest, DeregisterRequest{PeerID: "p1"})
	req2.Headers = map[string]string{AuthTokenHeader: "secret"}
	resp2, err := d.Dispatch(context.Background(), NewMessageContext("c1", nil, "tcp"), req2)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp2.Type != TypeDeregisterResponse || !handlerCalled {
		t.Fatalf("expected authorized request to reach the handler, got %s", resp2.Type)
	}
}

func TestGuidanceTableCoversAllCodes(t *testing.T) {
	codes := []Code{
		CodeInvalidMessage, CodeUnknownCommand, CodeInvalidParameters, CodeAuthenticationFailed,
		CodeAuthorizationFailed, CodeResourceNotFound, CodeFileNotFound, CodeFileAccessError,
		CodeChecksumMismatch, CodeInternalError, CodeServiceUnavailable, CodeNetworkError,
		CodeTimeout, CodeConnectionFailed, CodePeerUnavailable, CodeRateLimited,
		CodeCircuitBreakerOpen, CodeSystemOverload, CodeTransferFailed,
	}
	for _, c := range codes {
		g := GuidanceFor(c)
		if g.Strategy == "" {
			t.Fatalf("code %s has no strategy", c)
		}
	}
}
