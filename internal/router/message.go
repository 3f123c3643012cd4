package router

import (
	"fmt"
	"strings"

	"github.com/joeycumines/modsandbox/internal/module"
)

// Address names a router endpoint.
type Address string

const (
	// Dashboard is the editing UI collaborator.
	Dashboard Address = "dashboard"
	// Controller is the projection surface controller.
	Controller Address = "controller"

	hostPrefix = "host/"
)

// HostAddress returns the address of the isolated host session owning token.
func HostAddress(token string) Address {
	return Address(hostPrefix + token)
}

// HostToken returns the token encoded in a host address.
func (a Address) HostToken() (string, bool) {
	tok, ok := strings.CutPrefix(string(a), hostPrefix)
	return tok, ok && tok != ""
}

// Kind is the protocol message type.
type Kind string

const (
	KindPreviewModule      Kind = "preview-module"
	KindPreviewModuleReady Kind = "preview-module-ready"
	KindPreviewModuleError Kind = "preview-module-error"

	KindIntrospectModule       Kind = "introspect-module"
	KindIntrospectModuleResult Kind = "introspect-module-result"

	KindInstantiate       Kind = "instantiate"
	KindInstantiateResult Kind = "instantiate-result"

	KindInvokeMethod       Kind = "invoke-method"
	KindInvokeMethodResult Kind = "invoke-method-result"

	KindDestroyInstance      Kind = "destroy-instance"
	KindDestroySession       Kind = "destroy-session"
	KindDestroySessionResult Kind = "destroy-session-result"

	KindSetActivate   Kind = "set-activate"
	KindTrackActivate Kind = "track-activate"

	KindHostLog Kind = "host-log"
)

var replyKinds = map[Kind][]Kind{
	KindPreviewModule:    {KindPreviewModuleReady, KindPreviewModuleError},
	KindIntrospectModule: {KindIntrospectModuleResult},
	KindInstantiate:      {KindInstantiateResult},
	KindInvokeMethod:     {KindInvokeMethodResult},
	KindDestroySession:   {KindDestroySessionResult},
}

var isReplyKind = func() map[Kind]bool {
	m := make(map[Kind]bool)
	for _, kinds := range replyKinds {
		for _, k := range kinds {
			m[k] = true
		}
	}
	return m
}()

// ReplyKinds returns the kinds that may answer a request of kind k, or nil
// if k is fire-and-forget.
func (k Kind) ReplyKinds() []Kind { return replyKinds[k] }

// IsRequest reports whether k expects a correlated reply.
func (k Kind) IsRequest() bool { return len(replyKinds[k]) > 0 }

// IsReply reports whether k answers a request.
func (k Kind) IsReply() bool { return isReplyKind[k] }

// Teardown reports whether k belongs to session teardown. Teardown traffic
// may still reach a superseded (but registered) session.
func (k Kind) Teardown() bool {
	switch k {
	case KindDestroyInstance, KindDestroySession, KindDestroySessionResult:
		return true
	}
	return false
}

func (k Kind) answers(request Kind) bool {
	for _, r := range replyKinds[request] {
		if r == k {
			return true
		}
	}
	return false
}

// Message is the single envelope exchanged between endpoints.
type Message struct {
	Kind       Kind           `json:"kind"`
	RequestID  string         `json:"requestId,omitempty"`
	From       Address        `json:"from"`
	To         Address        `json:"to"`
	Token      string         `json:"token,omitempty"`
	ModuleID   module.ID      `json:"moduleId,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Reply builds the answer to req, echoing its correlation context.
func Reply(req Message, kind Kind) Message {
	return Message{
		Kind:       kind,
		RequestID:  req.RequestID,
		From:       req.To,
		To:         req.From,
		Token:      req.Token,
		ModuleID:   req.ModuleID,
		InstanceID: req.InstanceID,
	}
}

// Prop returns a property value.
func (m Message) Prop(key string) (any, bool) {
	v, ok := m.Props[key]
	return v, ok
}

// StringProp returns a string property, or "".
func (m Message) StringProp(key string) string {
	s, _ := m.Props[key].(string)
	return s
}

// Err converts an error reply into a *RemoteError; it returns nil for
// successful replies.
func (m Message) Err() error {
	if m.Error == "" && m.Kind != KindPreviewModuleError {
		return nil
	}
	return &RemoteError{Kind: m.Kind, RequestID: m.RequestID, ModuleID: m.ModuleID, Reason: m.Error}
}

// RemoteError is a failure reported by the far side of a request.
type RemoteError struct {
	Kind      Kind
	RequestID string
	ModuleID  module.ID
	Reason    string
}

func (e *RemoteError) Error() string {
	if e.ModuleID != "" {
		return fmt.Sprintf("%s (module %s): %s", e.Kind, e.ModuleID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}
