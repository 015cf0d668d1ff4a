// Package store keeps named state tokens in a bbolt database.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketSessions = "sessions"

// ErrNoSession is returned by Load and Delete for an unknown name.
var ErrNoSession = errors.New("no such session")

// Store is a session store backed by one database file.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSessions))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores token under name, replacing any earlier token.
func (s *Store) Save(name, token string) error {
	if name == "" {
		return errors.New("save session: empty name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).Put([]byte(name), []byte(token))
	})
}

// Load returns the token stored under name.
func (s *Store) Load(name string) (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSessions)).Get([]byte(name))
		if v == nil {
			return ErrNoSession
		}
		token = string(v)
		return nil
	})
	return token, err
}

// Names lists the stored names in key order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Delete removes name.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if b.Get([]byte(name)) == nil {
			return ErrNoSession
		}
		return b.Delete([]byte(name))
	})
}
