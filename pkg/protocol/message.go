package protocol

import "encoding/json"

// Methods the router has to understand. Everything else on the wire is
// opaque and forwarded untouched.
const (
	MethodCreateContext         = "Playwright.createContext"
	MethodDeleteContext         = "Playwright.deleteContext"
	MethodPageProxyCreated      = "Playwright.pageProxyCreated"
	MethodPageProxyDestroyed    = "Playwright.pageProxyDestroyed"
	MethodProvisionalLoadFailed = "Playwright.provisionalLoadFailed"
	MethodClose                 = "Playwright.close"
)

// BrowserCloseMessageID is the reserved id used for the graceful-close
// request sent during shutdown. The browser's reply to it is ignored.
const BrowserCloseMessageID int64 = -9999

// Message is the wire envelope exchanged with the browser process and with
// external sessions. Requests and responses carry an id; notifications
// don't. Some page-level notifications carry the page proxy id at the
// envelope level rather than inside params.
type Message struct {
	ID          *int64          `json:"id,omitempty"`
	Method      string          `json:"method,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	PageProxyID string          `json:"pageProxyId,omitempty"`
}

// WithID returns a shallow copy of the message with the id rewritten.
func (m *Message) WithID(id int64) *Message {
	out := *m
	out.ID = &id
	return &out
}

// IsResponse reports whether the message is a reply to an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// ContextIDPayload is the shape shared by createContext results and
// deleteContext params.
type ContextIDPayload struct {
	BrowserContextID string `json:"browserContextId"`
}

// PageProxyPayload is the params shape of the pageProxyCreated and
// pageProxyDestroyed notifications.
type PageProxyPayload struct {
	PageProxyID      string `json:"pageProxyId"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// BrowserContextID extracts browserContextId from an opaque payload,
// returning "" if the field is absent or the payload doesn't parse.
func BrowserContextID(raw json.RawMessage) string {
	var p ContextIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.BrowserContextID
}

// PageProxyInfo extracts the page proxy params from an opaque payload.
func PageProxyInfo(raw json.RawMessage) PageProxyPayload {
	var p PageProxyPayload
	_ = json.Unmarshal(raw, &p)
	return p
}

// NewRequest builds a request envelope with marshaled params. Marshaling
// errors are impossible for the fixed payload types used internally, so
// they are swallowed.
func NewRequest(id int64, method string, params interface{}) *Message {
	msg := &Message{ID: &id, Method: method}
	if params != nil {
		msg.Params, _ = json.Marshal(params)
	}
	return msg
}
