package diffsync

import (
	mathrand "math/rand"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEditQueueOrder(t *testing.T) {
	documentId := "12345"
	clientId := "client1"
	store := NewInMemoryDataStore[string]()

	editOne := NewEdit(documentId, clientId, 0, 0, nil)
	editTwo := NewEdit(documentId, clientId, 1, 0, nil)

	assert.Equal(t, store.SaveEdit(editTwo), nil)
	assert.Equal(t, store.SaveEdit(editOne), nil)

	edits, err := store.Edits(documentId, clientId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(edits), 2)
	assert.Equal(t, edits[0].ClientVersion, uint64(0))
	assert.Equal(t, edits[1].ClientVersion, uint64(1))
}

// same client version sorts by server version, in every store
func TestEditOrderServerVersionTiebreak(t *testing.T) {
	first := NewEdit("doc1", "client1", 0, 1, nil)
	second := NewEdit("doc1", "client1", 0, 2, nil)
	later := NewEdit("doc1", "client1", 1, 0, nil)

	assert.Equal(t, compareEdits(first, second), -1)
	assert.Equal(t, compareEdits(second, first), 1)
	assert.Equal(t, compareEdits(second, later), -1)
	assert.Equal(t, compareEdits(first, first), 0)

	store := NewInMemoryDataStore[string]()
	store.SaveEdit(later)
	store.SaveEdit(second)
	store.SaveEdit(first)

	edits, err := store.Edits("doc1", "client1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(edits), 3)
	assert.Equal(t, edits[0].ServerVersion, uint64(1))
	assert.Equal(t, edits[1].ServerVersion, uint64(2))
	assert.Equal(t, edits[2].ClientVersion, uint64(1))
}

func TestEditsUnknownKey(t *testing.T) {
	store := NewInMemoryDataStore[string]()

	edits, err := store.Edits("nope", "nobody")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, edits, nil)
	assert.Equal(t, len(edits), 0)
}

func TestRemoveEditPrunes(t *testing.T) {
	documentId := "doc1"
	clientId := "client1"
	store := NewInMemoryDataStore[string]()

	for i := 0; i < 5; i += 1 {
		store.SaveEdit(NewEdit(documentId, clientId, uint64(i), 0, nil))
	}

	// prunes everything at or below clientVersion 2
	assert.Equal(t, store.RemoveEdit(NewEdit(documentId, clientId, 2, 0, nil)), nil)

	edits, err := store.Edits(documentId, clientId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(edits), 2)
	assert.Equal(t, edits[0].ClientVersion, uint64(3))
	assert.Equal(t, edits[1].ClientVersion, uint64(4))
}

func TestRemoveEdits(t *testing.T) {
	documentId := "doc1"
	clientId := "client1"
	store := NewInMemoryDataStore[string]()

	store.SaveEdit(NewEdit(documentId, clientId, 0, 0, nil))
	store.SaveEdit(NewEdit(documentId, clientId, 1, 0, nil))
	store.SaveEdit(NewEdit(documentId, "client2", 0, 0, nil))

	assert.Equal(t, store.RemoveEdits(documentId, clientId), nil)

	edits, _ := store.Edits(documentId, clientId)
	assert.Equal(t, len(edits), 0)

	// the other client's queue is untouched
	edits, _ = store.Edits(documentId, "client2")
	assert.Equal(t, len(edits), 1)
}

func TestConcurrentSaveEdit(t *testing.T) {
	documentId := "doc1"
	clientId := "client1"
	store := NewInMemoryDataStore[string]()

	n := 100
	versions := []uint64{}
	for i := 0; i < n; i += 1 {
		versions = append(versions, uint64(i))
	}
	mathrand.Shuffle(len(versions), func(i, j int) {
		versions[i], versions[j] = versions[j], versions[i]
	})

	// racing writers on the same key must never lose an update
	wg := &sync.WaitGroup{}
	for _, version := range versions {
		wg.Add(1)
		go func(clientVersion uint64) {
			defer wg.Done()
			store.SaveEdit(NewEdit(documentId, clientId, clientVersion, 0, nil))
		}(version)
	}
	wg.Wait()

	edits, err := store.Edits(documentId, clientId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(edits), n)
	for i := 0; i < n; i += 1 {
		assert.Equal(t, edits[i].ClientVersion, uint64(i))
	}
}

func TestSaveDocumentExistingWins(t *testing.T) {
	store := NewInMemoryDataStore[string]()

	doc, created, err := store.SaveDocument(NewDocument("doc1", "one"))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)
	assert.Equal(t, doc.Content, "one")

	doc, created, err = store.SaveDocument(NewDocument("doc1", "two"))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, false)
	assert.Equal(t, doc.Content, "one")
}

func TestReplaceDocumentStaleToken(t *testing.T) {
	store := NewInMemoryDataStore[string]()

	doc, _, _ := store.SaveDocument(NewDocument("doc1", "one"))

	next, ok, err := store.ReplaceDocument(doc, NewDocument("doc1", "two"))
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, next.Content, "two")

	// the original token is stale now
	_, ok, err = store.ReplaceDocument(doc, NewDocument("doc1", "three"))
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	current, _ := store.Document("doc1")
	assert.Equal(t, current.Content, "two")
}

func TestShadowPairAtomicReplace(t *testing.T) {
	store := NewInMemoryDataStore[string]()
	key := NewDocKey("doc1", "client1")

	shadow := NewShadowDocument(NewDocument("doc1", ""), 0, 0)
	pair, created, err := store.SaveShadowPair(key, NewShadowPair(shadow, NewBackupShadowDocument(shadow)))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)

	// save-if-absent keeps the existing pair
	other := NewShadowDocument(NewDocument("doc1", "x"), 7, 7)
	existing, created, err := store.SaveShadowPair(key, NewShadowPair(other, NewBackupShadowDocument(other)))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, false)
	assert.Equal(t, existing.Shadow.ClientVersion, uint64(0))

	nextShadow := NewShadowDocument(NewDocument("doc1", "hello"), 1, 0)
	next, ok, err := store.ReplaceShadowPair(key, pair, NewShadowPair(nextShadow, NewBackupShadowDocument(shadow)))
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, next.Shadow.ClientVersion, uint64(1))
	assert.Equal(t, next.Backup.ClientVersion, uint64(0))

	// stale token loses
	_, ok, err = store.ReplaceShadowPair(key, pair, NewShadowPair(other, NewBackupShadowDocument(other)))
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	current, _ := store.ShadowPair("doc1", "client1")
	assert.Equal(t, current.Shadow.Document.Content, "hello")
}
