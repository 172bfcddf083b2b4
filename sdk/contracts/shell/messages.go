// Package shell defines the wire contracts shared by the dockshell server,
// the frame-side SDK and backend coordinators.
package shell

import "encoding/json"

// Frame operations carried in Envelope.Operation between a hosted frame and
// the shell.
const (
	OpQueueReceiveRegister   = "queue-receive-register"
	OpQueueReceiveUnregister = "queue-receive-unregister"
	OpQueueSend              = "queue-send"
	OpQueueMessage           = "queue-message"
	OpRPC                    = "rpc"
	OpAppInfo                = "app-info"
)

// Transport events exchanged between the shell and the backend coordinator.
const (
	EventQueueMessage = "queue message"
	EventQueueReceive = "queue receive"
	EventRPC          = "rpc"
	EventAppListing   = "app listing"
	EventListApps     = "list apps"
	EventReady        = "connected"
)

// Envelope is the frame <-> shell message.
type Envelope struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope for op.
func NewEnvelope(op string, payload any) (Envelope, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Envelope{Operation: op, Payload: raw}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Operation: op, Payload: b}, nil
}

// QueueSend is the payload of a queue-send operation.
type QueueSend struct {
	Queue         string          `json:"queue"`
	Message       json.RawMessage `json:"message"`
	AbsoluteQueue bool            `json:"absoluteQueue,omitempty"`
}

// QueueMessage carries queue data, both as the "queue message" transport
// event and as the queue-message frame operation.
type QueueMessage struct {
	Queue string          `json:"queue"`
	Data  json.RawMessage `json:"data"`
}

// QueueReceive announces interest in a queue to the backend.
type QueueReceive struct {
	Queue string `json:"queue"`
}

// RPCRequest is an outbound remote call, both from a frame to the shell and
// from the shell to the backend.
type RPCRequest struct {
	ID  string          `json:"id"`
	RPC json.RawMessage `json:"rpc"`
}

// RPCCall is the body of an RPCRequest built by the frame-side SDK. Func and
// Command are alternative spellings of the procedure id.
type RPCCall struct {
	Func    string         `json:"func,omitempty"`
	Command string         `json:"command,omitempty"`
	URI     string         `json:"uri,omitempty"`
	Args    []any          `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
}

// RPCReply is the result of a remote call.
type RPCReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}
