package convsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SnapshotStore keeps the last good snapshot of each dataset so an Open
// that cannot reach the backend still has something to show.
type SnapshotStore interface {
	SaveMessages(conversationID string, msgs []Message) error
	// LoadMessages reports ok=false when nothing was saved for the conversation.
	LoadMessages(conversationID string) (msgs []Message, ok bool, err error)
	SaveConversations(convs []Conversation) error
	LoadConversations() ([]Conversation, error)
	Close() error
}

var (
	bucketMessages      = []byte("messages")
	bucketConversations = []byte("conversations")
)

// BoltSnapshotStore is a SnapshotStore backed by a single bbolt file, one
// bucket per dataset, JSON values.
type BoltSnapshotStore struct {
	db *bolt.DB
}

var _ SnapshotStore = (*BoltSnapshotStore)(nil)

// OpenBoltSnapshotStore opens (or creates) the store at path.
func OpenBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketConversations} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	return &BoltSnapshotStore{db: db}, nil
}

// SaveMessages stores the confirmed part of a timeline. Pending entries are
// local-only and never persisted.
func (s *BoltSnapshotStore) SaveMessages(conversationID string, msgs []Message) error {
	confirmed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Pending() {
			confirmed = append(confirmed, m)
		}
	}
	enc, err := json.Marshal(confirmed)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Put([]byte(conversationID), enc)
	})
}

func (s *BoltSnapshotStore) LoadMessages(conversationID string) ([]Message, bool, error) {
	var (
		out []Message
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(conversationID))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, false, fmt.Errorf("load messages %s: %w", conversationID, err)
	}
	return out, ok, nil
}

// SaveConversations replaces the stored conversation list.
func (s *BoltSnapshotStore) SaveConversations(convs []Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Recreate the bucket so it reflects the given list exactly.
		if err := tx.DeleteBucket(bucketConversations); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketConversations)
		if err != nil {
			return err
		}
		for _, c := range convs {
			enc, e := json.Marshal(c)
			if e != nil {
				return e
			}
			if e = b.Put([]byte(c.ID), enc); e != nil {
				return e
			}
		}
		return nil
	})
}

func (s *BoltSnapshotStore) LoadConversations() ([]Conversation, error) {
	var out []Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var c Conversation
			if e := json.Unmarshal(v, &c); e != nil {
				// Skip malformed entries instead of failing the whole load
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltSnapshotStore) Close() error {
	return s.db.Close()
}
