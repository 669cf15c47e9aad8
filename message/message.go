// Package message defines the messages exchanged between a procbridge client and server.
//
// Every frame on the wire carries exactly one of three messages, selected by the frame's
// status byte:
//
//   - Request:      {"api": "add", "body": {...}}   client → server
//   - GoodResponse: {"body": {...}}                 server → client (replies and pushed messages)
//   - BadResponse:  {"msg": "unknown api: foo"}      server → client
package message

import "errors"

// Kind is the status code carried in the frame header.
type Kind byte

const (
	KindRequest      Kind = 0
	KindGoodResponse Kind = 1
	KindBadResponse  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindGoodResponse:
		return "good_response"
	case KindBadResponse:
		return "bad_response"
	}
	return "unknown"
}

// Valid reports whether k is one of the three known status codes.
func (k Kind) Valid() bool {
	return k <= KindBadResponse
}

// Reserved api names. They are handled by the connection itself and are never
// dispatched to application handlers.
const (
	// CloseAPI asks the peer to close the connection in an orderly way.
	CloseAPI = "__close__"
	// ClientIDAPI asks the server for the id it assigned to this connection.
	// The answer is a GoodResponse {"clientID": n}.
	ClientIDAPI = "__client_id__"
)

// IsReserved reports whether api is a protocol control name.
func IsReserved(api string) bool {
	return api == CloseAPI || api == ClientIDAPI
}

// ErrEmptyAPI is returned when a request is built without an api name.
var ErrEmptyAPI = errors.New("api cannot be empty")

// Message is implemented by Request, GoodResponse and BadResponse.
type Message interface {
	Kind() Kind
}

// Request asks the remote side to run the handler registered under API.
type Request struct {
	API  string
	Body Body // never nil after decoding; defaults to {}
}

func (*Request) Kind() Kind { return KindRequest }

// GoodResponse carries a handler result or a server-pushed message.
// A nil Body means the handler returned nothing.
type GoodResponse struct {
	Body Body
}

func (*GoodResponse) Kind() Kind { return KindGoodResponse }

// BadResponse carries a human-readable failure description.
type BadResponse struct {
	Msg string
}

func (*BadResponse) Kind() Kind { return KindBadResponse }
