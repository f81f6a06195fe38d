package diffsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/slices"
)

// RedisDataStore is the durable DataStore variant. It preserves the same
// atomicity contract as the in-memory store using redis WATCH/MULTI
// optimistic transactions: a reader never observes a partial queue and
// concurrent writers never lose updates, a lost race surfaces as
// redis.TxFailedErr and the operation retries.
//
// The compare tokens of the Replace methods are the serialized previous
// values. Every write goes through the same marshaling, so a byte
// comparison is an exact staleness check.
type RedisDataStore[T any] struct {
	ctx          context.Context
	client       *redis.Client
	synchronizer Synchronizer[T]
}

func NewRedisDataStore[T any](ctx context.Context, client *redis.Client, synchronizer Synchronizer[T]) *RedisDataStore[T] {
	return &RedisDataStore[T]{
		ctx:          ctx,
		client:       client,
		synchronizer: synchronizer,
	}
}

func redisDocumentKey(documentId string) string {
	return fmt.Sprintf("sync:doc:%s", documentId)
}

func redisShadowKey(key DocKey) string {
	return fmt.Sprintf("sync:shadow:%s:%s", key.DocumentId, key.ClientId)
}

func redisEditsKey(key DocKey) string {
	return fmt.Sprintf("sync:edits:%s:%s", key.DocumentId, key.ClientId)
}

type redisDocumentJson struct {
	Id      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type redisShadowJson struct {
	Content       json.RawMessage `json:"content"`
	ClientVersion uint64          `json:"clientVersion"`
	ServerVersion uint64          `json:"serverVersion"`
}

type redisPairJson struct {
	Shadow redisShadowJson `json:"shadow"`
	Backup redisShadowJson `json:"backup"`
}

func (self *RedisDataStore[T]) encodeDocument(document Document[T]) ([]byte, error) {
	content, err := self.synchronizer.ContentToJson(document.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&redisDocumentJson{
		Id:      document.Id,
		Content: content,
	})
}

func (self *RedisDataStore[T]) decodeDocument(raw []byte) (Document[T], error) {
	var docJson redisDocumentJson
	if err := json.Unmarshal(raw, &docJson); err != nil {
		return Document[T]{}, err
	}
	content, err := self.synchronizer.ContentFromJson(docJson.Content)
	if err != nil {
		return Document[T]{}, err
	}
	return NewDocument(docJson.Id, content), nil
}

func (self *RedisDataStore[T]) encodeShadow(shadow ShadowDocument[T]) (redisShadowJson, error) {
	content, err := self.synchronizer.ContentToJson(shadow.Document.Content)
	if err != nil {
		return redisShadowJson{}, err
	}
	return redisShadowJson{
		Content:       content,
		ClientVersion: shadow.ClientVersion,
		ServerVersion: shadow.ServerVersion,
	}, nil
}

func (self *RedisDataStore[T]) decodeShadow(documentId string, shadowJson redisShadowJson) (ShadowDocument[T], error) {
	content, err := self.synchronizer.ContentFromJson(shadowJson.Content)
	if err != nil {
		return ShadowDocument[T]{}, err
	}
	return NewShadowDocument(NewDocument(documentId, content), shadowJson.ClientVersion, shadowJson.ServerVersion), nil
}

func (self *RedisDataStore[T]) encodePair(pair ShadowPair[T]) ([]byte, error) {
	shadow, err := self.encodeShadow(pair.Shadow)
	if err != nil {
		return nil, err
	}
	backup, err := self.encodeShadow(pair.Backup.Shadow)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&redisPairJson{
		Shadow: shadow,
		Backup: backup,
	})
}

func (self *RedisDataStore[T]) decodePair(key DocKey, raw []byte) (ShadowPair[T], error) {
	var pairJson redisPairJson
	if err := json.Unmarshal(raw, &pairJson); err != nil {
		return ShadowPair[T]{}, err
	}
	shadow, err := self.decodeShadow(key.DocumentId, pairJson.Shadow)
	if err != nil {
		return ShadowPair[T]{}, err
	}
	backupShadow, err := self.decodeShadow(key.DocumentId, pairJson.Backup)
	if err != nil {
		return ShadowPair[T]{}, err
	}
	return NewShadowPair(shadow, NewBackupShadowDocument(backupShadow)), nil
}

func (self *RedisDataStore[T]) encodeEdits(edits []*Edit) ([]byte, error) {
	editsJson := make([]*editJson, 0, len(edits))
	for _, edit := range edits {
		var diffJson json.RawMessage
		if edit.Diff != nil {
			var err error
			diffJson, err = self.synchronizer.DiffToJson(edit.Diff)
			if err != nil {
				return nil, err
			}
		}
		editsJson = append(editsJson, &editJson{
			ClientVersion: edit.ClientVersion,
			ServerVersion: edit.ServerVersion,
			Diff:          diffJson,
		})
	}
	return json.Marshal(editsJson)
}

func (self *RedisDataStore[T]) decodeEdits(key DocKey, raw []byte) ([]*Edit, error) {
	var editsJson []*editJson
	if err := json.Unmarshal(raw, &editsJson); err != nil {
		return nil, err
	}
	edits := make([]*Edit, 0, len(editsJson))
	for _, e := range editsJson {
		var diff Diff
		if e.Diff != nil {
			var err error
			diff, err = self.synchronizer.DiffFromJson(e.Diff)
			if err != nil {
				return nil, err
			}
		}
		edits = append(edits, NewEdit(key.DocumentId, key.ClientId, e.ClientVersion, e.ServerVersion, diff))
	}
	return edits, nil
}

func (self *RedisDataStore[T]) SaveDocument(document Document[T]) (*Document[T], bool, error) {
	encoded, err := self.encodeDocument(document)
	if err != nil {
		return nil, false, err
	}
	stored, err := self.client.SetNX(self.ctx, redisDocumentKey(document.Id), encoded, 0).Result()
	if err != nil {
		return nil, false, err
	}
	if stored {
		doc := document
		return &doc, true, nil
	}
	existing, err := self.Document(document.Id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (self *RedisDataStore[T]) Document(documentId string) (*Document[T], error) {
	raw, err := self.client.Get(self.ctx, redisDocumentKey(documentId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := self.decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (self *RedisDataStore[T]) ReplaceDocument(previous *Document[T], next Document[T]) (*Document[T], bool, error) {
	previousEncoded, err := self.encodeDocument(*previous)
	if err != nil {
		return nil, false, err
	}
	nextEncoded, err := self.encodeDocument(next)
	if err != nil {
		return nil, false, err
	}
	replaced := false
	key := redisDocumentKey(previous.Id)
	err = self.client.Watch(self.ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(self.ctx, key).Bytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(current, previousEncoded) {
			return nil
		}
		_, err = tx.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(self.ctx, key, nextEncoded, 0)
			return nil
		})
		if err == nil {
			replaced = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, redis.Nil) {
		// lost the race, or the document was removed under us
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !replaced {
		return nil, false, nil
	}
	doc := next
	return &doc, true, nil
}

func (self *RedisDataStore[T]) ShadowPair(documentId string, clientId string) (*ShadowPair[T], error) {
	key := NewDocKey(documentId, clientId)
	raw, err := self.client.Get(self.ctx, redisShadowKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pair, err := self.decodePair(key, raw)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (self *RedisDataStore[T]) SaveShadowPair(key DocKey, pair ShadowPair[T]) (*ShadowPair[T], bool, error) {
	encoded, err := self.encodePair(pair)
	if err != nil {
		return nil, false, err
	}
	stored, err := self.client.SetNX(self.ctx, redisShadowKey(key), encoded, 0).Result()
	if err != nil {
		return nil, false, err
	}
	if stored {
		p := pair
		return &p, true, nil
	}
	existing, err := self.ShadowPair(key.DocumentId, key.ClientId)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (self *RedisDataStore[T]) ReplaceShadowPair(key DocKey, previous *ShadowPair[T], next ShadowPair[T]) (*ShadowPair[T], bool, error) {
	previousEncoded, err := self.encodePair(*previous)
	if err != nil {
		return nil, false, err
	}
	nextEncoded, err := self.encodePair(next)
	if err != nil {
		return nil, false, err
	}
	replaced := false
	redisKey := redisShadowKey(key)
	err = self.client.Watch(self.ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(self.ctx, redisKey).Bytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(current, previousEncoded) {
			return nil
		}
		_, err = tx.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(self.ctx, redisKey, nextEncoded, 0)
			return nil
		})
		if err == nil {
			replaced = true
		}
		return err
	}, redisKey)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, redis.Nil) {
		// lost the race, or the pair was purged under us
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !replaced {
		return nil, false, nil
	}
	p := next
	return &p, true, nil
}

func (self *RedisDataStore[T]) RemoveShadowPair(key DocKey) error {
	return self.client.Del(self.ctx, redisShadowKey(key)).Err()
}

func (self *RedisDataStore[T]) SaveEdit(edit *Edit) error {
	key := edit.Key()
	redisKey := redisEditsKey(key)
	for {
		err := self.client.Watch(self.ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(self.ctx, redisKey).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			edits := []*Edit{}
			if 0 < len(current) {
				edits, err = self.decodeEdits(key, current)
				if err != nil {
					return err
				}
			}
			edits = append(edits, edit)
			slices.SortStableFunc(edits, compareEdits)
			next, err := self.encodeEdits(edits)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(self.ctx, redisKey, next, 0)
				return nil
			})
			return err
		}, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			// lost a race, retry the whole read-modify-write
			continue
		}
		return err
	}
}

func (self *RedisDataStore[T]) Edits(documentId string, clientId string) ([]*Edit, error) {
	key := NewDocKey(documentId, clientId)
	raw, err := self.client.Get(self.ctx, redisEditsKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []*Edit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return self.decodeEdits(key, raw)
}

func (self *RedisDataStore[T]) RemoveEdit(edit *Edit) error {
	key := edit.Key()
	redisKey := redisEditsKey(key)
	for {
		err := self.client.Watch(self.ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(self.ctx, redisKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			edits, err := self.decodeEdits(key, current)
			if err != nil {
				return err
			}
			remaining := []*Edit{}
			for _, e := range edits {
				if edit.ClientVersion < e.ClientVersion {
					remaining = append(remaining, e)
				}
			}
			next, err := self.encodeEdits(remaining)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(self.ctx, redisKey, next, 0)
				return nil
			})
			return err
		}, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func (self *RedisDataStore[T]) RemoveEdits(documentId string, clientId string) error {
	return self.client.Del(self.ctx, redisEditsKey(NewDocKey(documentId, clientId))).Err()
}
