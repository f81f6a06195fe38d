package diffsync

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// envelope-level discriminators of the push transport
const (
	EnvelopeTypeData    = ""
	EnvelopeTypeAck     = "ack"
	EnvelopeTypeNack    = "nack"
	EnvelopeTypeControl = "control"
)

const ControlTypeConnectionDraining = "CONNECTION_DRAINING"

// TransportEnvelope is the decoded JSON envelope of one push transport
// message. An absent message_type means a normal upstream data message.
type TransportEnvelope struct {
	MessageType string        `json:"message_type,omitempty"`
	MessageId   string        `json:"message_id,omitempty"`
	From        string        `json:"from,omitempty"`
	To          string        `json:"to,omitempty"`
	ControlType string        `json:"control_type,omitempty"`
	Data        *EnvelopeData `json:"data,omitempty"`
}

type EnvelopeData struct {
	// the embedded sync protocol JSON
	Message string `json:"message"`
}

func DecodeEnvelope(raw []byte) (*TransportEnvelope, error) {
	envelope := &TransportEnvelope{}
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// NewWireMessageId generates a fresh transport-level message id. Outbound
// messages never reuse inbound ids so the transport can track delivery
// independently of sync protocol versions.
func NewWireMessageId() string {
	return "m-" + uuid.NewString()
}

// CreateJsonAck encodes the ack for an upstream data message, keyed by the
// inbound message's own id.
func CreateJsonAck(to string, messageId string) ([]byte, error) {
	return json.Marshal(&TransportEnvelope{
		MessageType: EnvelopeTypeAck,
		MessageId:   messageId,
		To:          to,
	})
}

// CreateJsonMessage wraps a sync protocol payload in a downstream data
// envelope with a fresh message id.
func CreateJsonMessage(to string, messageId string, syncJson []byte) ([]byte, error) {
	return json.Marshal(&TransportEnvelope{
		MessageId: messageId,
		To:        to,
		Data: &EnvelopeData{
			Message: string(syncJson),
		},
	})
}

// CreateJsonUpstreamMessage wraps a sync protocol payload in an upstream
// data envelope, stamped with the sender's transport address.
func CreateJsonUpstreamMessage(from string, messageId string, syncJson []byte) ([]byte, error) {
	return json.Marshal(&TransportEnvelope{
		MessageId: messageId,
		From:      from,
		Data: &EnvelopeData{
			Message: string(syncJson),
		},
	})
}

// sync protocol message type
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeAdd
	MessageTypePatch
	MessageTypeDetach
)

func MessageTypeFrom(msgType string) MessageType {
	switch strings.ToUpper(msgType) {
	case "ADD":
		return MessageTypeAdd
	case "PATCH":
		return MessageTypePatch
	case "DETACH":
		return MessageTypeDetach
	default:
		return MessageTypeUnknown
	}
}

func (self MessageType) String() string {
	switch self {
	case MessageTypeAdd:
		return "ADD"
	case MessageTypePatch:
		return "PATCH"
	case MessageTypeDetach:
		return "DETACH"
	default:
		return "UNKNOWN"
	}
}

type syncMessageJson struct {
	MsgType    string          `json:"msgType"`
	DocumentId string          `json:"documentId"`
	ClientId   string          `json:"clientId"`
	Content    json.RawMessage `json:"content,omitempty"`
	Edits      []*editJson     `json:"edits,omitempty"`
}

type editJson struct {
	ClientVersion uint64          `json:"clientVersion"`
	ServerVersion uint64          `json:"serverVersion"`
	Diff          json.RawMessage `json:"diff,omitempty"`
}

// SyncMessage is the decoded header of one sync protocol message. The
// content and edits stay raw until the typed decode functions below.
type SyncMessage struct {
	Type       MessageType
	DocumentId string
	ClientId   string

	raw []byte
}

func DecodeSyncMessage(raw []byte) (*SyncMessage, error) {
	var messageJson syncMessageJson
	if err := json.Unmarshal(raw, &messageJson); err != nil {
		return nil, err
	}
	return &SyncMessage{
		Type:       MessageTypeFrom(messageJson.MsgType),
		DocumentId: messageJson.DocumentId,
		ClientId:   messageJson.ClientId,
		raw:        raw,
	}, nil
}

func (self *SyncMessage) Raw() []byte {
	return self.raw
}

// SyncCodec converts between the sync protocol JSON and the internal
// model, delegating the opaque parts to the synchronizer.
type SyncCodec[T any] struct {
	synchronizer Synchronizer[T]
}

func NewSyncCodec[T any](synchronizer Synchronizer[T]) *SyncCodec[T] {
	return &SyncCodec[T]{
		synchronizer: synchronizer,
	}
}

func (self *SyncCodec[T]) DocumentFromJson(raw []byte) (Document[T], error) {
	var messageJson syncMessageJson
	if err := json.Unmarshal(raw, &messageJson); err != nil {
		return Document[T]{}, err
	}
	content := self.synchronizer.EmptyContent()
	if messageJson.Content != nil {
		var err error
		content, err = self.synchronizer.ContentFromJson(messageJson.Content)
		if err != nil {
			return Document[T]{}, err
		}
	}
	return NewDocument(messageJson.DocumentId, content), nil
}

func (self *SyncCodec[T]) PatchMessageFromJson(raw []byte) (*PatchMessage, error) {
	var messageJson syncMessageJson
	if err := json.Unmarshal(raw, &messageJson); err != nil {
		return nil, err
	}
	edits := make([]*Edit, 0, len(messageJson.Edits))
	for _, e := range messageJson.Edits {
		var diff Diff
		if e.Diff != nil {
			var err error
			diff, err = self.synchronizer.DiffFromJson(e.Diff)
			if err != nil {
				return nil, err
			}
		}
		edits = append(edits, NewEdit(
			messageJson.DocumentId,
			messageJson.ClientId,
			e.ClientVersion,
			e.ServerVersion,
			diff,
		))
	}
	slices.SortStableFunc(edits, compareEdits)
	return NewPatchMessage(messageJson.DocumentId, messageJson.ClientId, edits...), nil
}

func (self *SyncCodec[T]) PatchMessageToJson(patchMessage *PatchMessage) ([]byte, error) {
	edits := make([]*editJson, 0, len(patchMessage.Edits))
	for _, edit := range patchMessage.Edits {
		var diffJson json.RawMessage
		if edit.Diff != nil {
			var err error
			diffJson, err = self.synchronizer.DiffToJson(edit.Diff)
			if err != nil {
				return nil, err
			}
		}
		edits = append(edits, &editJson{
			ClientVersion: edit.ClientVersion,
			ServerVersion: edit.ServerVersion,
			Diff:          diffJson,
		})
	}
	return json.Marshal(&syncMessageJson{
		MsgType:    MessageTypePatch.String(),
		DocumentId: patchMessage.DocumentId,
		ClientId:   patchMessage.ClientId,
		Edits:      edits,
	})
}

func (self *SyncCodec[T]) AddMessageToJson(documentId string, clientId string, content T) ([]byte, error) {
	contentJson, err := self.synchronizer.ContentToJson(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&syncMessageJson{
		MsgType:    MessageTypeAdd.String(),
		DocumentId: documentId,
		ClientId:   clientId,
		Content:    contentJson,
	})
}

func (self *SyncCodec[T]) DetachMessageToJson(documentId string, clientId string) ([]byte, error) {
	return json.Marshal(&syncMessageJson{
		MsgType:    MessageTypeDetach.String(),
		DocumentId: documentId,
		ClientId:   clientId,
	})
}

// EnvelopeHandlerFunction handles one classified inbound envelope.
type EnvelopeHandlerFunction func(connection Connection, envelope *TransportEnvelope, raw []byte)

// ProviderRegistry maps the envelope message_type discriminator to its
// handler. An explicit object passed to the dispatcher at construction,
// not a process-wide table, so multiple dispatchers with different
// extensions can coexist in one process.
type ProviderRegistry struct {
	providers map[string]EnvelopeHandlerFunction
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: map[string]EnvelopeHandlerFunction{},
	}
}

func (self *ProviderRegistry) Register(messageType string, handler EnvelopeHandlerFunction) {
	self.providers[messageType] = handler
}

func (self *ProviderRegistry) Provider(messageType string) (EnvelopeHandlerFunction, bool) {
	handler, ok := self.providers[messageType]
	return handler, ok
}

func (self *ProviderRegistry) MessageTypes() []string {
	return maps.Keys(self.providers)
}
