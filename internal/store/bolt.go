package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// BoltStore is an optional persisted MessageStore backed by a single
// bbolt file. Messages are appended under a monotonically increasing
// big-endian key so iteration order matches id order.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Store implements MessageStore.
func (s *BoltStore) Store(direction, room, peerID, text string) Message {
	var msg Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		id, _ := b.NextSequence()
		msg = Message{
			ID:        int64(id),
			Timestamp: time.Now().Unix(),
			Direction: direction,
			Room:      room,
			PeerID:    peerID,
			Text:      text,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put(idKey(msg.ID), data)
	})
	if err != nil {
		// Persistence is best-effort for chat history; a write failure
		// still returns the message so the in-memory caller can proceed.
		return msg
	}
	return msg
}

// MessagesSince implements MessageStore.
func (s *BoltStore) MessagesSince(afterID int64, room string) []Message {
	out := make([]Message, 0)
	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		c := b.Cursor()
		for k, v := c.Seek(idKey(afterID + 1)); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if room != AllRooms && msg.Room != room {
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	return out
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
