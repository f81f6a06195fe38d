package diffsync

import (
	"fmt"
)

// a delta payload produced and consumed by a Synchronizer.
// the engine treats it as opaque apart from emptiness and the
// preimage checksum used to verify the shadow before application
type Diff interface {
	IsEmpty() bool
	// checksum of the body this diff was computed against
	Checksum() string
}

// immutable. a versioned delta against a known base version
type Edit struct {
	DocumentId    string
	ClientId      string
	ClientVersion uint64
	ServerVersion uint64
	Diff          Diff
}

func NewEdit(documentId string, clientId string, clientVersion uint64, serverVersion uint64, diff Diff) *Edit {
	return &Edit{
		DocumentId:    documentId,
		ClientId:      clientId,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		Diff:          diff,
	}
}

func (self *Edit) Key() DocKey {
	return NewDocKey(self.DocumentId, self.ClientId)
}

func (self *Edit) String() string {
	return fmt.Sprintf("edit(%s cv=%d sv=%d)", self.Key(), self.ClientVersion, self.ServerVersion)
}

// the authoritative server copy of a replicated document
type Document[T any] struct {
	Id      string
	Content T
}

func NewDocument[T any](id string, content T) Document[T] {
	return Document[T]{
		Id:      id,
		Content: content,
	}
}

// the server's best guess of what one client currently holds.
// value semantics so that snapshots are cheap and never shared mutable
type ShadowDocument[T any] struct {
	Document      Document[T]
	ClientVersion uint64
	ServerVersion uint64
}

func NewShadowDocument[T any](document Document[T], clientVersion uint64, serverVersion uint64) ShadowDocument[T] {
	return ShadowDocument[T]{
		Document:      document,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
	}
}

// snapshot of a shadow taken before a patch round. rollback target on
// checksum mismatch, advanced only together with its paired shadow
type BackupShadowDocument[T any] struct {
	Shadow        ShadowDocument[T]
	ClientVersion uint64
}

func NewBackupShadowDocument[T any](shadow ShadowDocument[T]) BackupShadowDocument[T] {
	return BackupShadowDocument[T]{
		Shadow:        shadow,
		ClientVersion: shadow.ClientVersion,
	}
}

// an ordered batch of edits exchanged for one (document, client) pair
type PatchMessage struct {
	DocumentId string
	ClientId   string
	Edits      []*Edit
}

func NewPatchMessage(documentId string, clientId string, edits ...*Edit) *PatchMessage {
	return &PatchMessage{
		DocumentId: documentId,
		ClientId:   clientId,
		Edits:      edits,
	}
}

func (self *PatchMessage) Key() DocKey {
	return NewDocKey(self.DocumentId, self.ClientId)
}

func (self *PatchMessage) IsEmpty() bool {
	return len(self.Edits) == 0
}

func (self *PatchMessage) String() string {
	return fmt.Sprintf("patchMessage(%s edits=%d)", self.Key(), len(self.Edits))
}
