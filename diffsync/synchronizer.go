package diffsync

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// returned when a diff's preimage checksum does not match the body it is
// being applied to. The engine recovers by rolling the shadow back to its
// backup and dropping the batch
var ErrChecksumMismatch = errors.New("patch preimage checksum mismatch")

// Synchronizer is the pluggable diff/patch function the engine is built
// around. Implementations must be safe for concurrent use.
type Synchronizer[T any] interface {
	// computes the delta that transforms before into after.
	// the delta carries the checksum of before as its preimage checksum
	Diff(before T, after T) Diff
	// applies diff to body. fails with ErrChecksumMismatch when the diff's
	// preimage checksum does not match body
	Patch(body T, diff Diff) (T, error)
	// folds diff into body without preimage verification, matching hunks
	// fuzzily against the current content. Used to merge client edits
	// into the authoritative document, which may have moved on since the
	// diff was produced
	Merge(body T, diff Diff) (T, error)
	Checksum(body T) string
	EmptyContent() T

	// wire codec for the opaque parts of the model
	DiffToJson(diff Diff) (json.RawMessage, error)
	DiffFromJson(raw json.RawMessage) (Diff, error)
	ContentToJson(content T) (json.RawMessage, error)
	ContentFromJson(raw json.RawMessage) (T, error)
}

type dmpDiff struct {
	patches  []diffmatchpatch.Patch
	checksum string
}

func (self *dmpDiff) IsEmpty() bool {
	return len(self.patches) == 0
}

func (self *dmpDiff) Checksum() string {
	return self.checksum
}

type dmpDiffJson struct {
	Checksum string `json:"checksum"`
	Patch    string `json:"patch"`
}

// DiffMatchPatchSynchronizer synchronizes plain text documents with
// google-style diff-match-patch deltas.
type DiffMatchPatchSynchronizer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewDiffMatchPatchSynchronizer() *DiffMatchPatchSynchronizer {
	return &DiffMatchPatchSynchronizer{
		dmp: diffmatchpatch.New(),
	}
}

func (self *DiffMatchPatchSynchronizer) Diff(before string, after string) Diff {
	return &dmpDiff{
		patches:  self.dmp.PatchMake(before, after),
		checksum: self.Checksum(before),
	}
}

func (self *DiffMatchPatchSynchronizer) Patch(body string, diff Diff) (string, error) {
	d, ok := diff.(*dmpDiff)
	if !ok {
		return body, fmt.Errorf("unknown diff type: %T", diff)
	}
	if d.checksum != "" && d.checksum != self.Checksum(body) {
		return body, fmt.Errorf("checksum %s does not match body: %w", d.checksum, ErrChecksumMismatch)
	}
	patched, applied := self.dmp.PatchApply(d.patches, body)
	for _, ok := range applied {
		if !ok {
			return body, fmt.Errorf("patch did not apply cleanly: %w", ErrChecksumMismatch)
		}
	}
	return patched, nil
}

func (self *DiffMatchPatchSynchronizer) Merge(body string, diff Diff) (string, error) {
	d, ok := diff.(*dmpDiff)
	if !ok {
		return body, fmt.Errorf("unknown diff type: %T", diff)
	}
	// hunks that no longer match are dropped. the divergence comes back
	// to the client as a server edit on its next round
	patched, _ := self.dmp.PatchApply(d.patches, body)
	return patched, nil
}

func (self *DiffMatchPatchSynchronizer) Checksum(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

func (self *DiffMatchPatchSynchronizer) EmptyContent() string {
	return ""
}

func (self *DiffMatchPatchSynchronizer) DiffToJson(diff Diff) (json.RawMessage, error) {
	d, ok := diff.(*dmpDiff)
	if !ok {
		return nil, fmt.Errorf("unknown diff type: %T", diff)
	}
	return json.Marshal(&dmpDiffJson{
		Checksum: d.checksum,
		Patch:    self.dmp.PatchToText(d.patches),
	})
}

func (self *DiffMatchPatchSynchronizer) DiffFromJson(raw json.RawMessage) (Diff, error) {
	var diffJson dmpDiffJson
	if err := json.Unmarshal(raw, &diffJson); err != nil {
		return nil, err
	}
	patches, err := self.dmp.PatchFromText(diffJson.Patch)
	if err != nil {
		return nil, err
	}
	return &dmpDiff{
		patches:  patches,
		checksum: diffJson.Checksum,
	}, nil
}

func (self *DiffMatchPatchSynchronizer) ContentToJson(content string) (json.RawMessage, error) {
	return json.Marshal(content)
}

func (self *DiffMatchPatchSynchronizer) ContentFromJson(raw json.RawMessage) (string, error) {
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", err
	}
	return content, nil
}
