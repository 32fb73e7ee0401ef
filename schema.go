package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC request identifier. It is either a number or a string, and keeps its
// original kind when it is encoded back to JSON, so a request with id 7 is never answered with
// id "7". The zero value means "no id" and is what notifications carry.
//
// RequestID is comparable and can be used as a map key. NumberID(1) and StringID("1") are
// different keys. The zero value is the absent id; StringID("") is a present, empty id.
type RequestID struct {
	str   string
	num   int64
	isNum bool
	isStr bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities is what a server advertises during initialization. The engine treats the
// individual entries as opaque; they are passed through to the peer as given.
type ServerCapabilities struct {
	Prompts   map[string]any `json:"prompts,omitempty"`
	Resources map[string]any `json:"resources,omitempty"`
	Tools     map[string]any `json:"tools,omitempty"`
	Logging   map[string]any `json:"logging,omitempty"`
}

// ClientCapabilities represents client capabilities. They are derived from the handlers
// registered in the client's CapabilityRegistry.
type ClientCapabilities struct {
	Roots       *RootsCapability       `json:"roots,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`
}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ElicitationCapability represents elicitation-specific capabilities.
type ElicitationCapability struct{}

// Role represents the role in a conversation (user or assistant).
type Role string

// ContentType represents the type of content in messages.
type ContentType string

// SamplingParams defines the parameters for generating a sampled message.
//
// The params are used by SamplingHandler.CreateSampleMessage to generate appropriate
// AI model responses while respecting the specified constraints and preferences.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`

	// SystemPrompts provides system-level instructions to guide the model's behavior
	SystemPrompts string `json:"systemPrompts,omitempty"`

	// MaxTokens specifies the maximum number of tokens allowed in the generated response
	MaxTokens int `json:"maxTokens"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Either Text or Data should be
// populated based on the content Type.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SamplingModelPreferences defines preferences for model selection and behavior.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints,omitempty"`
	CostPriority         int `json:"costPriority,omitempty"`
	SpeedPriority        int `json:"speedPriority,omitempty"`
	IntelligencePriority int `json:"intelligencePriority,omitempty"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason,omitempty"`
}

// ElicitationParams is sent by a server that needs structured input from the end user.
// RequestedSchema is a restricted JSON schema describing the expected answer.
type ElicitationParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitationAction tells the server what the user did with an elicitation.
type ElicitationAction string

// ElicitationResult is the answer to an elicitation. Content is only set when Action is
// ElicitationActionAccept.
type ElicitationResult struct {
	Action  ElicitationAction `json:"action"`
	Content map[string]any    `json:"content,omitempty"`
}

// Root represents a top-level directory or location that the client exposes to the server.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootList represents a collection of root resources in the system.
type RootList struct {
	Roots []Root `json:"roots"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	protocolVersion = "2025-06-18"

	// MethodPing is the method name for liveness checks. It can travel in both directions.
	MethodPing = "ping"
	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for creating a new sampling message.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodElicitationCreate is the method name for asking the client to elicit user input.
	MethodElicitationCreate = "elicitation/create"

	methodInitialize = "initialize"

	methodNotificationsInitialized      = "notifications/initialized"
	methodNotificationsCancelled        = "notifications/cancelled"
	methodNotificationsRootsListChanged = "notifications/roots/list_changed"

	// RoleUser is the role of the human side of a conversation.
	RoleUser Role = "user"
	// RoleAssistant is the role of the model side of a conversation.
	RoleAssistant Role = "assistant"

	// ContentTypeText marks text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage marks base64 image content.
	ContentTypeImage ContentType = "image"

	// ElicitationActionAccept means the user submitted the requested data.
	ElicitationActionAccept ElicitationAction = "accept"
	// ElicitationActionDecline means the user explicitly refused.
	ElicitationActionDecline ElicitationAction = "decline"
	// ElicitationActionCancel means the user dismissed the request without choosing.
	ElicitationActionCancel ElicitationAction = "cancel"

	userCancelledReason   = "User requested cancellation"
	requestTimedOutReason = "Request timed out"

	errMsgUnsupportedProtocolVersion = "Unsupported protocol version"
	errMsgInternalError              = "Internal error"
	errMsgMethodNotFound             = "Method not found"
	errMsgInvalidParams              = "Invalid params"
	errMsgCapabilityNotSupported     = "Capability not supported"
	errMsgCapacityExceeded           = "Too many concurrent requests"
	errMsgRequestTimeout             = "Request timed out"
	errMsgDuplicateRequest           = "Duplicate request id"
	errMsgConnectionClosed           = "Connection closed"
)

// JSON-RPC error codes. The negative codes from -32000 to -32099 are reserved for
// implementation-defined server errors; this package uses a few of them.
const (
	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603

	JSONRPCConnectionClosedCode       = -32000
	JSONRPCRequestTimeoutCode         = -32001
	JSONRPCCapabilityNotSupportedCode = -32004
	JSONRPCCapacityExceededCode       = -32005
)

// NumberID returns a numeric request id.
func NumberID(n int64) RequestID {
	return RequestID{num: n, isNum: true}
}

// StringID returns a string request id.
func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return !id.isNum && !id.isStr
}

// IsNumber reports whether the id was issued as a number.
func (id RequestID) IsNumber() bool {
	return id.isNum
}

// Value returns the id as an int64 or a string, or nil when the id is absent.
func (id RequestID) Value() any {
	switch {
	case id.isNum:
		return id.num
	case id.isStr:
		return id.str
	default:
		return nil
	}
}

// String renders the id for logs.
func (id RequestID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// MarshalJSON implements json.Marshaler, keeping the original kind of the id.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isNum:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler for both string and integer ids.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %s: must be a string or an integer", data)
	}
	*id = NumberID(n)
	return nil
}

// IsRequest reports whether the message is a request (has both a method and an id).
func (m JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && !m.ID.IsZero()
}

// IsNotification reports whether the message is a notification (a method without an id).
func (m JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID.IsZero()
}

// IsResponse reports whether the message carries a result or an error.
func (m JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Validate checks the structural JSON-RPC 2.0 rules. A message that fails validation is neither
// a request nor a response and must not be routed.
func (m JSONRPCMessage) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("%w: invalid jsonrpc version %q", ErrProtocol, m.JSONRPC)
	}
	if m.Method != "" {
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("%w: message has both a method and a result or error", ErrProtocol)
		}
		return nil
	}
	if m.Result != nil && m.Error != nil {
		return fmt.Errorf("%w: response has both a result and an error", ErrProtocol)
	}
	if m.Result == nil && m.Error == nil {
		return fmt.Errorf("%w: message has neither a method nor a result or error", ErrProtocol)
	}
	if m.ID.IsZero() && m.Error == nil {
		return fmt.Errorf("%w: response without id", ErrProtocol)
	}
	return nil
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

func newResponse(id RequestID, result any) (JSONRPCMessage, error) {
	if result == nil {
		result = struct{}{}
	}
	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

func newErrorResponse(id RequestID, err JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}
}

func newRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}
