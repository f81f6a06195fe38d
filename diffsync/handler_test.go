package diffsync

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

type testConnection struct {
	id       Id
	draining atomic.Bool

	mutex sync.Mutex
	sent  [][]byte
}

func newTestConnection() *testConnection {
	return &testConnection{
		id: NewId(),
	}
}

func (self *testConnection) Id() Id {
	return self.id
}

func (self *testConnection) Send(message []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, message)
	return nil
}

func (self *testConnection) IsDraining() bool {
	return self.draining.Load()
}

func (self *testConnection) SetDraining(draining bool) {
	self.draining.Store(draining)
}

// decoded views of everything the connection sent
func (self *testConnection) sentEnvelopes(t *testing.T) (acks []*TransportEnvelope, data []*TransportEnvelope) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, message := range self.sent {
		envelope, err := DecodeEnvelope(message)
		assert.Equal(t, err, nil)
		if envelope.MessageType == EnvelopeTypeAck {
			acks = append(acks, envelope)
		} else if envelope.Data != nil {
			data = append(data, envelope)
		}
	}
	return
}

func newTestHandler() (*DiffSyncHandler[string], *DiffMatchPatchSynchronizer) {
	engine, synchronizer := newTestEngine()
	return NewDiffSyncHandlerWithDefaults(engine), synchronizer
}

func upstreamEnvelope(t *testing.T, from string, messageId string, syncJson []byte) []byte {
	raw, err := CreateJsonUpstreamMessage(from, messageId, syncJson)
	assert.Equal(t, err, nil)
	return raw
}

// an upstream data message is always acked with its own id, even when the
// embedded sync payload cannot be processed
func TestDataMessageAlwaysAcked(t *testing.T) {
	handler, _ := newTestHandler()
	connection := newTestConnection()

	raw, err := json.Marshal(&TransportEnvelope{
		MessageId: "m-in-1",
		From:      "device1",
		Data:      &EnvelopeData{Message: "this is not sync json"},
	})
	assert.Equal(t, err, nil)

	handler.Receive(connection, raw)

	acks, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 1)
	assert.Equal(t, len(data), 0)
	assert.Equal(t, acks[0].MessageId, "m-in-1")
	assert.Equal(t, acks[0].To, "device1")
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	handler, _ := newTestHandler()
	connection := newTestConnection()

	// decode error: dropped without an ack
	handler.Receive(connection, []byte("not json at all"))

	acks, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 0)
	assert.Equal(t, len(data), 0)
}

func TestUnrecognizedMessageTypeIgnored(t *testing.T) {
	handler, _ := newTestHandler()
	connection := newTestConnection()

	handler.Receive(connection, []byte(`{"message_type":"shiny_new_thing","message_id":"m-1"}`))

	acks, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 0)
	assert.Equal(t, len(data), 0)
}

func TestAddFlow(t *testing.T) {
	handler, synchronizer := newTestHandler()
	connection := newTestConnection()
	codec := handler.Engine().Codec()

	syncJson, err := codec.AddMessageToJson("doc1", "client1", "seed")
	assert.Equal(t, err, nil)

	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-1", syncJson))

	acks, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 1)
	assert.Equal(t, len(data), 1)

	// outbound uses a fresh message id, never the inbound one
	assert.NotEqual(t, data[0].MessageId, "m-in-1")
	assert.Equal(t, data[0].To, "device1")

	patchMessage, err := codec.PatchMessageFromJson([]byte(data[0].Data.Message))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(patchMessage.Edits), 1)

	body, err := synchronizer.Patch("", patchMessage.Edits[0].Diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, body, "seed")

	key := NewDocKey("doc1", "client1")
	assert.Equal(t, handler.Engine().Registry().Contains(key), true)
}

// a client that dropped its registration resumes through PATCH without a
// new ADD, reusing the existing shadow
func TestPatchReconnect(t *testing.T) {
	handler, synchronizer := newTestHandler()
	engine := handler.Engine()
	connection := newTestConnection()
	codec := engine.Codec()

	subscriber := newTestSubscriber("client1", "device1")
	engine.AddSubscriber(subscriber, NewDocument("doc1", ""))
	engine.Patch(NewPatchMessage("doc1", "client1",
		NewEdit("doc1", "client1", 0, 0, synchronizer.Diff("", "hello"))))

	key := NewDocKey("doc1", "client1")
	engine.Registry().RemoveAll(key)

	syncJson, err := codec.PatchMessageToJson(NewPatchMessage("doc1", "client1",
		NewEdit("doc1", "client1", 1, 0, synchronizer.Diff("hello", "hello world"))))
	assert.Equal(t, err, nil)

	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-2", syncJson))

	// re-registered before reconciling
	assert.Equal(t, engine.Registry().Contains(key), true)

	// the pre-existing shadow advanced, no reset to version 0
	pair, _ := engine.store.ShadowPair("doc1", "client1")
	assert.Equal(t, pair.Shadow.ClientVersion, uint64(2))
	assert.Equal(t, pair.Shadow.Document.Content, "hello world")

	acks, _ := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 1)
}

func TestControlDrainingSuppressesSends(t *testing.T) {
	handler, _ := newTestHandler()
	connection := newTestConnection()
	codec := handler.Engine().Codec()

	handler.Receive(connection, []byte(`{"message_type":"control","control_type":"CONNECTION_DRAINING"}`))
	assert.Equal(t, connection.IsDraining(), true)

	// an ADD on the draining connection is acked and reconciled, but the
	// downstream patch message is suppressed
	syncJson, _ := codec.AddMessageToJson("doc1", "client1", "")
	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-1", syncJson))

	acks, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(acks), 1)
	assert.Equal(t, len(data), 0)

	// the edits stay deliverable after reconnection
	assert.Equal(t, handler.Engine().Registry().Contains(NewDocKey("doc1", "client1")), true)
}

func TestUnrecognizedControlTypeNonFatal(t *testing.T) {
	handler, _ := newTestHandler()
	connection := newTestConnection()

	handler.Receive(connection, []byte(`{"message_type":"control","control_type":"SOME_FUTURE_SIGNAL"}`))
	assert.Equal(t, connection.IsDraining(), false)
}

func TestNackResend(t *testing.T) {
	engine, synchronizer := newTestEngine()
	settings := DefaultDiffSyncHandlerSettings()
	settings.ResendOnNack = true
	handler := NewDiffSyncHandler(engine, settings)
	connection := newTestConnection()
	codec := engine.Codec()

	// the ADD response is tracked under its fresh message id
	syncJson, _ := codec.AddMessageToJson("doc1", "client1", "seed")
	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-1", syncJson))

	_, data := connection.sentEnvelopes(t)
	assert.Equal(t, len(data), 1)
	trackedId := data[0].MessageId

	// a server edit is pending when the transport nacks the message
	engine.store.SaveEdit(NewEdit("doc1", "client1", 0, 1, synchronizer.Diff("seed", "seed more")))

	nack, err := json.Marshal(&TransportEnvelope{
		MessageType: EnvelopeTypeNack,
		MessageId:   trackedId,
		From:        "device1",
	})
	assert.Equal(t, err, nil)
	handler.Receive(connection, nack)

	_, data = connection.sentEnvelopes(t)
	assert.Equal(t, len(data), 2)
	assert.NotEqual(t, data[1].MessageId, trackedId)

	resent, err := codec.PatchMessageFromJson([]byte(data[1].Data.Message))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(resent.Edits), 1)
	assert.Equal(t, resent.Edits[0].ServerVersion, uint64(1))
}

func TestDetachViaHandler(t *testing.T) {
	handler, _ := newTestHandler()
	engine := handler.Engine()
	connection := newTestConnection()
	codec := engine.Codec()

	addJson, _ := codec.AddMessageToJson("doc1", "client1", "")
	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-1", addJson))

	key := NewDocKey("doc1", "client1")
	assert.Equal(t, engine.Registry().Contains(key), true)

	detachJson, _ := codec.DetachMessageToJson("doc1", "client1")
	handler.Receive(connection, upstreamEnvelope(t, "device1", "m-in-2", detachJson))

	assert.Equal(t, engine.Registry().Contains(key), false)
	// default retain policy keeps the shadow
	pair, _ := engine.store.ShadowPair("doc1", "client1")
	assert.NotEqual(t, pair, nil)
}
