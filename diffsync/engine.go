package diffsync

import (
	"errors"
	"fmt"
)

// DetachPolicy decides what DETACH does with the per-client state.
type DetachPolicy int

const (
	// stop delivery, keep the shadow pair and queued edits for reattach
	DetachRetain DetachPolicy = iota
	// purge the registry entry, shadow pair and queued edits
	DetachPurge
)

type ServerSyncEngineSettings struct {
	DetachPolicy DetachPolicy
}

func DefaultServerSyncEngineSettings() *ServerSyncEngineSettings {
	return &ServerSyncEngineSettings{
		DetachPolicy: DetachRetain,
	}
}

// ServerSyncEngine orchestrates diff computation, patch application,
// shadow bookkeeping and subscriber notification.
//
// The engine takes no locks. Messages for different (document, client)
// keys run fully concurrently. Messages racing on the same key are
// serialized by the data store's compare-and-swap discipline: the whole
// read-reconcile-publish cycle retries on a lost race, and version checks
// make duplicate deliveries idempotent.
type ServerSyncEngine[T any] struct {
	store        DataStore[T]
	synchronizer Synchronizer[T]
	codec        *SyncCodec[T]
	registry     *SubscriberRegistry

	settings *ServerSyncEngineSettings

	log LogFunction
}

func NewServerSyncEngineWithDefaults[T any](store DataStore[T], synchronizer Synchronizer[T]) *ServerSyncEngine[T] {
	return NewServerSyncEngine(store, synchronizer, DefaultServerSyncEngineSettings())
}

func NewServerSyncEngine[T any](store DataStore[T], synchronizer Synchronizer[T], settings *ServerSyncEngineSettings) *ServerSyncEngine[T] {
	return &ServerSyncEngine[T]{
		store:        store,
		synchronizer: synchronizer,
		codec:        NewSyncCodec(synchronizer),
		registry:     NewSubscriberRegistry(),
		settings:     settings,
		log:          LogFn("engine"),
	}
}

func (self *ServerSyncEngine[T]) Codec() *SyncCodec[T] {
	return self.codec
}

func (self *ServerSyncEngine[T]) Registry() *SubscriberRegistry {
	return self.registry
}

func (self *ServerSyncEngine[T]) DocumentFromJson(raw []byte) (Document[T], error) {
	return self.codec.DocumentFromJson(raw)
}

func (self *ServerSyncEngine[T]) PatchMessageFromJson(raw []byte) (*PatchMessage, error) {
	return self.codec.PatchMessageFromJson(raw)
}

// AddSubscriber registers a new subscriber for the document, seeds its
// shadow at version 0, and returns the initial patch message carrying the
// full authoritative document as a single edit.
//
// When a document with the same id already exists, the existing content
// wins and the initial patch message materializes it on the new client.
func (self *ServerSyncEngine[T]) AddSubscriber(subscriber Subscriber, document Document[T]) (*PatchMessage, error) {
	doc, created, err := self.store.SaveDocument(document)
	if err != nil {
		return nil, err
	}
	key := NewDocKey(doc.Id, subscriber.ClientId())

	// the server's best guess after the client applies the initial patch
	shadow := NewShadowDocument(*doc, 0, 0)
	pair := NewShadowPair(shadow, NewBackupShadowDocument(shadow))
	if _, _, err := self.store.SaveShadowPair(key, pair); err != nil {
		return nil, err
	}

	self.registry.Add(key, subscriber)
	self.log("add %s created=%t address=%s", key, created, subscriber.Address())

	initialEdit := NewEdit(
		doc.Id,
		subscriber.ClientId(),
		0,
		0,
		self.synchronizer.Diff(self.synchronizer.EmptyContent(), doc.Content),
	)
	return NewPatchMessage(doc.Id, subscriber.ClientId(), initialEdit), nil
}

// ConnectSubscriber re-attaches a subscriber after reconnection without
// resetting version state. The existing shadow pair is reused so edits
// already queued for the client stay deliverable.
func (self *ServerSyncEngine[T]) ConnectSubscriber(subscriber Subscriber, documentId string) {
	key := NewDocKey(documentId, subscriber.ClientId())
	self.registry.Add(key, subscriber)
	self.log("connect %s address=%s", key, subscriber.Address())
}

// DetachSubscriber removes the subscription per the configured policy.
func (self *ServerSyncEngine[T]) DetachSubscriber(subscriber Subscriber, documentId string) error {
	key := NewDocKey(documentId, subscriber.ClientId())
	self.registry.Remove(key, subscriber.Address())
	if self.settings.DetachPolicy == DetachPurge {
		self.registry.RemoveAll(key)
		if err := self.store.RemoveEdits(key.DocumentId, key.ClientId); err != nil {
			return err
		}
		if err := self.store.RemoveShadowPair(key); err != nil {
			return err
		}
	}
	self.log("detach %s policy=%d", key, self.settings.DetachPolicy)
	return nil
}

// Patch runs one reconciliation round for the incoming patch message and
// returns the outbound patch message for the originating client, built
// from its pending edit queue. The outbound message may be empty when the
// authoritative document already matches the client's state.
//
// On a preimage checksum mismatch the shadow rolls back to its backup,
// the batch is dropped, and the error wraps ErrChecksumMismatch. The
// client's unacknowledged edits will be resent and reconcile against the
// restored shadow.
func (self *ServerSyncEngine[T]) Patch(patchMessage *PatchMessage) (*PatchMessage, error) {
	key := patchMessage.Key()
	for {
		pair, err := self.store.ShadowPair(key.DocumentId, key.ClientId)
		if err != nil {
			return nil, err
		}
		if pair == nil {
			return nil, fmt.Errorf("no shadow document for %s", key)
		}

		// value copies. nothing touches stored state until the pair
		// publishes
		shadow := pair.Shadow
		backup := NewBackupShadowDocument(shadow)

		mismatch := false
		hasAck := false
		var ackVersion uint64
		appliedDiffs := []Diff{}
		for _, edit := range patchMessage.Edits {
			// every received edit acknowledges queued server edits up
			// through its client version, pruned after the round commits
			if !hasAck || ackVersion < edit.ClientVersion {
				hasAck = true
				ackVersion = edit.ClientVersion
			}

			if edit.ClientVersion < shadow.ClientVersion {
				// duplicate delivery, already applied
				self.log("discard duplicate %s shadow_cv=%d", edit, shadow.ClientVersion)
				continue
			}
			if edit.Diff == nil || edit.Diff.IsEmpty() {
				shadow.ClientVersion = edit.ClientVersion + 1
				continue
			}
			patched, err := self.synchronizer.Patch(shadow.Document.Content, edit.Diff)
			if err != nil {
				if errors.Is(err, ErrChecksumMismatch) {
					mismatch = true
					break
				}
				return nil, err
			}
			shadow.Document.Content = patched
			shadow.ClientVersion = edit.ClientVersion + 1
			// server version advances only for server-originated edits
			appliedDiffs = append(appliedDiffs, edit.Diff)
		}

		if mismatch {
			restored := NewShadowPair(pair.Backup.Shadow, pair.Backup)
			if _, ok, err := self.store.ReplaceShadowPair(key, pair, restored); err != nil {
				return nil, err
			} else if !ok {
				// lost a race, retry the whole round
				continue
			}
			self.log("rollback %s to cv=%d", key, pair.Backup.ClientVersion)
			return nil, fmt.Errorf("dropped patch batch for %s: %w", key, ErrChecksumMismatch)
		}

		// publish the client half of the round. winning this swap claims
		// the applied edits exclusively: a round that raced here reruns
		// against the advanced client version and discards them, so a
		// duplicate delivery can never fold into the document twice
		published, ok, err := self.store.ReplaceShadowPair(key, pair, NewShadowPair(shadow, backup))
		if err != nil {
			return nil, err
		}
		if !ok {
			// lost a race, nothing committed. rerun against the fresh pair
			continue
		}

		if hasAck {
			if err := self.store.RemoveEdit(NewEdit(key.DocumentId, key.ClientId, ackVersion, 0, nil)); err != nil {
				return nil, err
			}
		}

		// fold the claimed client changes into the authoritative document
		doc, err := self.patchDocument(key.DocumentId, appliedDiffs)
		if err != nil {
			return nil, err
		}

		if err := self.produceServerEdit(key, published, doc); err != nil {
			return nil, err
		}

		pending, err := self.store.Edits(key.DocumentId, key.ClientId)
		if err != nil {
			return nil, err
		}
		self.log("patched %s cv=%d outbound=%d", key, shadow.ClientVersion, len(pending))
		return NewPatchMessage(key.DocumentId, key.ClientId, pending...), nil
	}
}

// produceServerEdit queues the edit that transforms the client's state
// into the authoritative state, advancing the shadow's server version.
// The edit is saved only after its pair swap wins, so a lost race never
// strands a queued edit whose preimage the client can no longer verify.
func (self *ServerSyncEngine[T]) produceServerEdit(key DocKey, pair *ShadowPair[T], doc *Document[T]) error {
	for {
		serverDiff := self.synchronizer.Diff(pair.Shadow.Document.Content, doc.Content)
		if serverDiff.IsEmpty() {
			return nil
		}
		shadow := pair.Shadow
		serverEdit := NewEdit(key.DocumentId, key.ClientId, shadow.ClientVersion, shadow.ServerVersion+1, serverDiff)
		// assume delivery. a dropped patch message resurfaces as a
		// checksum mismatch and rolls back to the backup
		shadow.Document.Content = doc.Content
		shadow.ServerVersion += 1
		_, ok, err := self.store.ReplaceShadowPair(key, pair, NewShadowPair(shadow, pair.Backup))
		if err != nil {
			return err
		}
		if ok {
			// exclusive owner of this server version
			return self.store.SaveEdit(serverEdit)
		}
		// the pair moved under us, recompute against the current one
		pair, err = self.store.ShadowPair(key.DocumentId, key.ClientId)
		if err != nil {
			return err
		}
		if pair == nil {
			return nil
		}
	}
}

// NotifySubscribers pushes the outbound patch message to every endpoint
// registered for its (document, client) key.
func (self *ServerSyncEngine[T]) NotifySubscribers(patchMessage *PatchMessage) {
	if patchMessage == nil {
		return
	}
	self.registry.Notify(patchMessage)
}

// merges the applied client diffs into the authoritative document.
// Merge matches hunks fuzzily, so edits from clients that raced each
// other combine instead of clobbering.
func (self *ServerSyncEngine[T]) patchDocument(documentId string, appliedDiffs []Diff) (*Document[T], error) {
	for {
		doc, err := self.store.Document(documentId)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("no document %s", documentId)
		}
		if len(appliedDiffs) == 0 {
			return doc, nil
		}
		content := doc.Content
		for _, diff := range appliedDiffs {
			content, err = self.synchronizer.Merge(content, diff)
			if err != nil {
				return nil, err
			}
		}
		next, ok, err := self.store.ReplaceDocument(doc, NewDocument(documentId, content))
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		// lost a race with another client's round, retry
	}
}
