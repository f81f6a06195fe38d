package diffsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// ShadowPair couples a shadow with its backup so the two can never be
// observed torn. A pair is immutable once stored. Stores replace the
// whole pair atomically.
type ShadowPair[T any] struct {
	Shadow ShadowDocument[T]
	Backup BackupShadowDocument[T]
}

func NewShadowPair[T any](shadow ShadowDocument[T], backup BackupShadowDocument[T]) ShadowPair[T] {
	return ShadowPair[T]{
		Shadow: shadow,
		Backup: backup,
	}
}

// DataStore holds the authoritative documents, the per (document, client)
// shadow pairs, and the per (document, client) pending edit queues.
//
// All mutations are optimistic. The pointers returned by the read methods
// double as compare tokens for the Replace methods: a replace succeeds only
// if no other writer raced in between, and the caller retries the whole
// read-modify-write cycle on a lost race. A reader never observes a
// partially updated queue or a torn shadow/backup pair.
//
// None of these operations fail under normal operation on the in-memory
// store. A durable store may surface backend errors.
type DataStore[T any] interface {
	// stores the document if no document with its id exists.
	// returns the authoritative copy and whether the given document was stored
	SaveDocument(document Document[T]) (*Document[T], bool, error)
	// nil when the document is unknown
	Document(documentId string) (*Document[T], error)
	ReplaceDocument(previous *Document[T], next Document[T]) (*Document[T], bool, error)

	// nil when no shadow exists for the key
	ShadowPair(documentId string, clientId string) (*ShadowPair[T], error)
	// stores the pair if no pair exists for the key.
	// returns the stored copy and whether the given pair was stored
	SaveShadowPair(key DocKey, pair ShadowPair[T]) (*ShadowPair[T], bool, error)
	ReplaceShadowPair(key DocKey, previous *ShadowPair[T], next ShadowPair[T]) (*ShadowPair[T], bool, error)
	RemoveShadowPair(key DocKey) error

	// appends an edit to the per-key queue, keeping ascending client
	// version order
	SaveEdit(edit *Edit) error
	// empty, never nil, for an unknown key
	Edits(documentId string, clientId string) ([]*Edit, error)
	// prunes every queued edit with clientVersion <= edit.ClientVersion
	RemoveEdit(edit *Edit) error
	RemoveEdits(documentId string, clientId string) error
}

// queue order: ascending client version, server version breaks ties.
// Every DataStore implementation sorts with this
func compareEdits(a *Edit, b *Edit) int {
	if a.ClientVersion != b.ClientVersion {
		if a.ClientVersion < b.ClientVersion {
			return -1
		}
		return 1
	}
	if a.ServerVersion != b.ServerVersion {
		if a.ServerVersion < b.ServerVersion {
			return -1
		}
		return 1
	}
	return 0
}

// queue snapshot. never mutated after publication
type editQueue struct {
	edits []*Edit
}

func (self *editQueue) withEdit(edit *Edit) *editQueue {
	edits := make([]*Edit, 0, len(self.edits)+1)
	edits = append(edits, self.edits...)
	edits = append(edits, edit)
	slices.SortStableFunc(edits, compareEdits)
	return &editQueue{edits: edits}
}

func (self *editQueue) withoutVersionsThrough(clientVersion uint64) *editQueue {
	edits := []*Edit{}
	for _, edit := range self.edits {
		if clientVersion < edit.ClientVersion {
			edits = append(edits, edit)
		}
	}
	return &editQueue{edits: edits}
}

// InMemoryDataStore is the reference DataStore. All state lives in
// concurrent maps keyed by documentId or DocKey, updated with
// compare-and-swap over immutable snapshots.
type InMemoryDataStore[T any] struct {
	// documentId -> *Document[T]
	documents sync.Map
	// DocKey -> *ShadowPair[T]
	shadows sync.Map
	// DocKey -> *editQueue
	pendingEdits sync.Map
}

func NewInMemoryDataStore[T any]() *InMemoryDataStore[T] {
	return &InMemoryDataStore[T]{}
}

func (self *InMemoryDataStore[T]) SaveDocument(document Document[T]) (*Document[T], bool, error) {
	doc := &document
	existing, loaded := self.documents.LoadOrStore(document.Id, doc)
	if loaded {
		return existing.(*Document[T]), false, nil
	}
	return doc, true, nil
}

func (self *InMemoryDataStore[T]) Document(documentId string) (*Document[T], error) {
	value, ok := self.documents.Load(documentId)
	if !ok {
		return nil, nil
	}
	return value.(*Document[T]), nil
}

func (self *InMemoryDataStore[T]) ReplaceDocument(previous *Document[T], next Document[T]) (*Document[T], bool, error) {
	doc := &next
	if self.documents.CompareAndSwap(previous.Id, previous, doc) {
		return doc, true, nil
	}
	return nil, false, nil
}

func (self *InMemoryDataStore[T]) ShadowPair(documentId string, clientId string) (*ShadowPair[T], error) {
	value, ok := self.shadows.Load(NewDocKey(documentId, clientId))
	if !ok {
		return nil, nil
	}
	return value.(*ShadowPair[T]), nil
}

func (self *InMemoryDataStore[T]) SaveShadowPair(key DocKey, pair ShadowPair[T]) (*ShadowPair[T], bool, error) {
	p := &pair
	existing, loaded := self.shadows.LoadOrStore(key, p)
	if loaded {
		return existing.(*ShadowPair[T]), false, nil
	}
	return p, true, nil
}

func (self *InMemoryDataStore[T]) ReplaceShadowPair(key DocKey, previous *ShadowPair[T], next ShadowPair[T]) (*ShadowPair[T], bool, error) {
	p := &next
	if self.shadows.CompareAndSwap(key, previous, p) {
		return p, true, nil
	}
	return nil, false, nil
}

func (self *InMemoryDataStore[T]) RemoveShadowPair(key DocKey) error {
	self.shadows.Delete(key)
	return nil
}

func (self *InMemoryDataStore[T]) SaveEdit(edit *Edit) error {
	key := edit.Key()
	for {
		value, ok := self.pendingEdits.Load(key)
		if !ok {
			queue := (&editQueue{}).withEdit(edit)
			if _, loaded := self.pendingEdits.LoadOrStore(key, queue); !loaded {
				return nil
			}
			// another writer created the queue first, retry
			continue
		}
		queue := value.(*editQueue)
		if self.pendingEdits.CompareAndSwap(key, queue, queue.withEdit(edit)) {
			return nil
		}
	}
}

func (self *InMemoryDataStore[T]) Edits(documentId string, clientId string) ([]*Edit, error) {
	value, ok := self.pendingEdits.Load(NewDocKey(documentId, clientId))
	if !ok {
		return []*Edit{}, nil
	}
	queue := value.(*editQueue)
	return slices.Clone(queue.edits), nil
}

func (self *InMemoryDataStore[T]) RemoveEdit(edit *Edit) error {
	key := edit.Key()
	for {
		value, ok := self.pendingEdits.Load(key)
		if !ok {
			return nil
		}
		queue := value.(*editQueue)
		if self.pendingEdits.CompareAndSwap(key, queue, queue.withoutVersionsThrough(edit.ClientVersion)) {
			return nil
		}
	}
}

func (self *InMemoryDataStore[T]) RemoveEdits(documentId string, clientId string) error {
	self.pendingEdits.Delete(NewDocKey(documentId, clientId))
	return nil
}
