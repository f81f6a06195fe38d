package diffsync

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Connection is one live push transport connection. Implementations queue
// writes and never block the caller.
type Connection interface {
	Id() Id
	// queues bytes for delivery. returns an error when the connection is
	// closed or the send queue is full
	Send(message []byte) error
	// draining means the transport is about to recycle this connection:
	// no new downstream pushes, in-flight processing continues
	IsDraining() bool
	SetDraining(draining bool)
}

type DiffSyncHandlerSettings struct {
	// resend the pending patch message for a subscriber when the
	// transport nacks a tracked outbound message
	ResendOnNack bool
}

func DefaultDiffSyncHandlerSettings() *DiffSyncHandlerSettings {
	return &DiffSyncHandlerSettings{
		ResendOnNack: false,
	}
}

// one tracked outbound sync message, kept until the transport acks or
// nacks its message id
type outboundRecord struct {
	key        DocKey
	address    string
	connection Connection
}

// DiffSyncHandler classifies every inbound transport message and drives
// the engine. It is the sole ingress of the sync protocol.
type DiffSyncHandler[T any] struct {
	engine   *ServerSyncEngine[T]
	settings *DiffSyncHandlerSettings

	providers *ProviderRegistry

	// message_id -> *outboundRecord
	outbound sync.Map

	log LogFunction
}

func NewDiffSyncHandlerWithDefaults[T any](engine *ServerSyncEngine[T]) *DiffSyncHandler[T] {
	return NewDiffSyncHandler(engine, DefaultDiffSyncHandlerSettings())
}

func NewDiffSyncHandler[T any](engine *ServerSyncEngine[T], settings *DiffSyncHandlerSettings) *DiffSyncHandler[T] {
	handler := &DiffSyncHandler[T]{
		engine:    engine,
		settings:  settings,
		providers: NewProviderRegistry(),
		log:       LogFn("handler"),
	}
	handler.providers.Register(EnvelopeTypeData, handler.handleDataMessage)
	handler.providers.Register(EnvelopeTypeAck, handler.HandleAckReceipt)
	handler.providers.Register(EnvelopeTypeNack, handler.HandleNackReceipt)
	handler.providers.Register(EnvelopeTypeControl, handler.HandleControlMessage)
	return handler
}

// Providers exposes the registry so integrators can override the ack,
// nack and control handlers or register protocol extensions.
func (self *DiffSyncHandler[T]) Providers() *ProviderRegistry {
	return self.providers
}

func (self *DiffSyncHandler[T]) Engine() *ServerSyncEngine[T] {
	return self.engine
}

// Receive handles one raw inbound transport envelope. Malformed payloads
// are dropped without an ack, the sender retries per transport semantics.
func (self *DiffSyncHandler[T]) Receive(connection Connection, raw []byte) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		glog.Infof("[handler]decode error = %s\n", err)
		return
	}
	provider, ok := self.providers.Provider(envelope.MessageType)
	if !ok {
		// forward compatibility with protocol extensions
		glog.Infof("[handler]unrecognized message type %s\n", envelope.MessageType)
		return
	}
	provider(connection, envelope, raw)
}

// always ack an upstream data message with its own id, regardless of the
// downstream processing outcome. The ack is for the push transport, not
// the sync protocol.
func (self *DiffSyncHandler[T]) handleDataMessage(connection Connection, envelope *TransportEnvelope, raw []byte) {
	if err := self.messageReceived(connection, envelope); err != nil {
		glog.Infof("[handler]message error from=%s = %s\n", envelope.From, err)
	}
	ack, err := CreateJsonAck(envelope.From, envelope.MessageId)
	if err != nil {
		glog.Infof("[handler]ack encode error = %s\n", err)
		return
	}
	if err := connection.Send(ack); err != nil {
		glog.Infof("[handler]ack send error to=%s = %s\n", envelope.From, err)
	}
}

// HandleAckReceipt observes a transport ack. The default drops the
// tracked outbound record. Override via the provider registry for custom
// bookkeeping.
func (self *DiffSyncHandler[T]) HandleAckReceipt(connection Connection, envelope *TransportEnvelope, raw []byte) {
	self.log("ack from=%s message_id=%s", envelope.From, envelope.MessageId)
	self.outbound.Delete(envelope.MessageId)
}

// HandleNackReceipt observes a transport nack. With ResendOnNack set, the
// pending patch message for the affected subscriber is resent under a
// fresh message id.
func (self *DiffSyncHandler[T]) HandleNackReceipt(connection Connection, envelope *TransportEnvelope, raw []byte) {
	self.log("nack from=%s message_id=%s", envelope.From, envelope.MessageId)
	value, ok := self.outbound.LoadAndDelete(envelope.MessageId)
	if !ok || !self.settings.ResendOnNack {
		return
	}
	record := value.(*outboundRecord)
	pending, err := self.engine.store.Edits(record.key.DocumentId, record.key.ClientId)
	if err != nil {
		glog.Infof("[handler]nack resend error %s = %s\n", record.key, err)
		return
	}
	if len(pending) == 0 {
		return
	}
	patchMessage := NewPatchMessage(record.key.DocumentId, record.key.ClientId, pending...)
	self.sendPatchMessage(record.connection, record.address, patchMessage)
}

func (self *DiffSyncHandler[T]) HandleControlMessage(connection Connection, envelope *TransportEnvelope, raw []byte) {
	switch envelope.ControlType {
	case ControlTypeConnectionDraining:
		glog.Infof("[handler]connection %s draining\n", connection.Id())
		connection.SetDraining(true)
	default:
		// new control types can appear as the transport protocol evolves
		glog.Infof("[handler]unrecognized control type %s\n", envelope.ControlType)
	}
}

func (self *DiffSyncHandler[T]) messageReceived(connection Connection, envelope *TransportEnvelope) error {
	if envelope.Data == nil {
		return fmt.Errorf("data message without data")
	}
	syncMessage, err := DecodeSyncMessage([]byte(envelope.Data.Message))
	if err != nil {
		return err
	}

	clientId := syncMessage.ClientId
	if clientId == "" {
		clientId = envelope.From
	}

	switch syncMessage.Type {
	case MessageTypeAdd:
		doc, err := self.engine.DocumentFromJson(syncMessage.Raw())
		if err != nil {
			return err
		}
		subscriber := self.newSubscriber(clientId, envelope.From, connection)
		patchMessage, err := self.engine.AddSubscriber(subscriber, doc)
		if err != nil {
			return err
		}
		self.sendPatchMessage(connection, envelope.From, patchMessage)
	case MessageTypePatch:
		patchMessage, err := self.engine.PatchMessageFromJson(syncMessage.Raw())
		if err != nil {
			return err
		}
		key := patchMessage.Key()
		if !self.engine.Registry().Contains(key) {
			// the client dropped its registration and reconnected.
			// re-attach before reconciling so delivery resumes without a
			// new ADD
			self.log("reconnect %s address=%s", key, envelope.From)
			self.engine.ConnectSubscriber(self.newSubscriber(clientId, envelope.From, connection), key.DocumentId)
		}
		outbound, err := self.engine.Patch(patchMessage)
		if err != nil {
			// a checksum mismatch already rolled the shadow back. the
			// client's edit stays unacknowledged and will be resent
			glog.Infof("[handler]patch %s = %s\n", key, err)
			return nil
		}
		self.engine.NotifySubscribers(outbound)
	case MessageTypeDetach:
		subscriber := self.newSubscriber(clientId, envelope.From, connection)
		return self.engine.DetachSubscriber(subscriber, syncMessage.DocumentId)
	default:
		// MessageTypeUnknown, ignored
	}
	return nil
}

func (self *DiffSyncHandler[T]) newSubscriber(clientId string, address string, connection Connection) *ConnectionSubscriber[T] {
	return NewConnectionSubscriber(clientId, address, connection, self)
}

// encodes and queues one sync patch message, tracking its fresh message
// id until the transport acks or nacks it. Suppressed on a draining
// connection, the queued edits stay in the store for redelivery.
func (self *DiffSyncHandler[T]) sendPatchMessage(connection Connection, address string, patchMessage *PatchMessage) {
	if connection.IsDraining() {
		self.log("drop send %s, connection %s draining", patchMessage.Key(), connection.Id())
		return
	}
	syncJson, err := self.engine.Codec().PatchMessageToJson(patchMessage)
	if err != nil {
		glog.Infof("[handler]encode error %s = %s\n", patchMessage.Key(), err)
		return
	}
	messageId := NewWireMessageId()
	message, err := CreateJsonMessage(address, messageId, syncJson)
	if err != nil {
		glog.Infof("[handler]encode error %s = %s\n", patchMessage.Key(), err)
		return
	}
	self.outbound.Store(messageId, &outboundRecord{
		key:        patchMessage.Key(),
		address:    address,
		connection: connection,
	})
	if err := connection.Send(message); err != nil {
		// best-effort. the pending edits stay queued and go out on the
		// next round or reconnection
		glog.Infof("[handler]send error to=%s = %s\n", address, err)
	}
}

// ConnectionSubscriber is a subscriber endpoint bound to one push
// transport connection.
type ConnectionSubscriber[T any] struct {
	clientId   string
	address    string
	connection Connection
	handler    *DiffSyncHandler[T]
}

func NewConnectionSubscriber[T any](clientId string, address string, connection Connection, handler *DiffSyncHandler[T]) *ConnectionSubscriber[T] {
	return &ConnectionSubscriber[T]{
		clientId:   clientId,
		address:    address,
		connection: connection,
		handler:    handler,
	}
}

func (self *ConnectionSubscriber[T]) ClientId() string {
	return self.clientId
}

func (self *ConnectionSubscriber[T]) Address() string {
	return self.address
}

func (self *ConnectionSubscriber[T]) Patched(patchMessage *PatchMessage) {
	self.handler.sendPatchMessage(self.connection, self.address, patchMessage)
}
