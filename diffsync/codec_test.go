package diffsync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeClassification(t *testing.T) {
	// absent message_type means a normal data message
	envelope, err := DecodeEnvelope([]byte(`{"message_id":"m-1","from":"device1","data":{"message":"{}"}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.MessageType, EnvelopeTypeData)
	assert.Equal(t, envelope.From, "device1")
	assert.Equal(t, envelope.Data.Message, "{}")

	envelope, err = DecodeEnvelope([]byte(`{"message_type":"ack","message_id":"m-2"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.MessageType, EnvelopeTypeAck)

	envelope, err = DecodeEnvelope([]byte(`{"message_type":"control","control_type":"CONNECTION_DRAINING"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.MessageType, EnvelopeTypeControl)
	assert.Equal(t, envelope.ControlType, ControlTypeConnectionDraining)

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestCreateJsonAck(t *testing.T) {
	ack, err := CreateJsonAck("device1", "m-inbound-7")
	assert.Equal(t, err, nil)

	envelope, err := DecodeEnvelope(ack)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.MessageType, EnvelopeTypeAck)
	assert.Equal(t, envelope.To, "device1")
	// the ack is keyed by the inbound message's own id
	assert.Equal(t, envelope.MessageId, "m-inbound-7")
}

func TestWireMessageIdFresh(t *testing.T) {
	a := NewWireMessageId()
	b := NewWireMessageId()
	assert.Equal(t, strings.HasPrefix(a, "m-"), true)
	assert.NotEqual(t, a, b)
}

func TestMessageTypeFrom(t *testing.T) {
	assert.Equal(t, MessageTypeFrom("ADD"), MessageTypeAdd)
	assert.Equal(t, MessageTypeFrom("patch"), MessageTypePatch)
	assert.Equal(t, MessageTypeFrom("Detach"), MessageTypeDetach)
	assert.Equal(t, MessageTypeFrom("SOMETHING_NEW"), MessageTypeUnknown)
	assert.Equal(t, MessageTypeFrom(""), MessageTypeUnknown)
}

func TestPatchMessageJsonRoundTrip(t *testing.T) {
	synchronizer := NewDiffMatchPatchSynchronizer()
	codec := NewSyncCodec[string](synchronizer)

	patchMessage := NewPatchMessage("doc1", "client1",
		NewEdit("doc1", "client1", 1, 0, synchronizer.Diff("hello", "hello world")),
		NewEdit("doc1", "client1", 0, 0, synchronizer.Diff("", "hello")))

	raw, err := codec.PatchMessageToJson(patchMessage)
	assert.Equal(t, err, nil)

	decoded, err := codec.PatchMessageFromJson(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.DocumentId, "doc1")
	assert.Equal(t, decoded.ClientId, "client1")
	assert.Equal(t, len(decoded.Edits), 2)
	// edits come back in ascending client version order
	assert.Equal(t, decoded.Edits[0].ClientVersion, uint64(0))
	assert.Equal(t, decoded.Edits[1].ClientVersion, uint64(1))

	body, err := synchronizer.Patch("", decoded.Edits[0].Diff)
	assert.Equal(t, err, nil)
	body, err = synchronizer.Patch(body, decoded.Edits[1].Diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, body, "hello world")
}

func TestDocumentFromJson(t *testing.T) {
	synchronizer := NewDiffMatchPatchSynchronizer()
	codec := NewSyncCodec[string](synchronizer)

	raw, err := codec.AddMessageToJson("doc1", "client1", "initial body")
	assert.Equal(t, err, nil)

	syncMessage, err := DecodeSyncMessage(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, syncMessage.Type, MessageTypeAdd)
	assert.Equal(t, syncMessage.DocumentId, "doc1")
	assert.Equal(t, syncMessage.ClientId, "client1")

	doc, err := codec.DocumentFromJson(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Id, "doc1")
	assert.Equal(t, doc.Content, "initial body")

	// absent content decodes as the empty body
	detachRaw, err := codec.DetachMessageToJson("doc1", "client1")
	assert.Equal(t, err, nil)
	doc, err = codec.DocumentFromJson(detachRaw)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Content, "")
}

func TestProviderRegistryOverride(t *testing.T) {
	registry := NewProviderRegistry()

	called := false
	registry.Register("my_extension", func(connection Connection, envelope *TransportEnvelope, raw []byte) {
		called = true
	})

	_, ok := registry.Provider("unknown")
	assert.Equal(t, ok, false)

	provider, ok := registry.Provider("my_extension")
	assert.Equal(t, ok, true)
	provider(nil, &TransportEnvelope{}, nil)
	assert.Equal(t, called, true)

	types := registry.MessageTypes()
	assert.Equal(t, len(types), 1)
	assert.Equal(t, types[0], "my_extension")
}

func TestUpstreamMessageEnvelope(t *testing.T) {
	syncJson, _ := json.Marshal(map[string]string{"msgType": "ADD"})
	raw, err := CreateJsonUpstreamMessage("client1", "m-abc", syncJson)
	assert.Equal(t, err, nil)

	envelope, err := DecodeEnvelope(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.MessageType, EnvelopeTypeData)
	assert.Equal(t, envelope.From, "client1")
	assert.Equal(t, envelope.MessageId, "m-abc")
	assert.Equal(t, envelope.Data.Message, string(syncJson))
}
