// storebolt.go - bbolt secondary index
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package storebolt implements the optional bbolt-backed secondary index
// over a queue.Queue's directory that SPEC_FULL.md §4.5 calls for: a
// write-through cache of each queue's handle set, so Count/PickRandom can
// avoid a full directory scan on large pools. It is strictly a
// performance cache — the queue directory remains authoritative, and a
// missing or corrupt index is rebuilt transparently from a directory
// scan rather than treated as an error. Grounded on the teacher's choice
// of go.etcd.io/bbolt as its durable embedded store.
package storebolt

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("handles")

// Index is a durable cache of one queue's "msg_" handle set.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bolt-backed index at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Add records handle as present.
func (idx *Index) Add(handle string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(handle), []byte{1})
	})
}

// Remove records handle as absent.
func (idx *Index) Remove(handle string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(handle))
	})
}

// Count returns the number of indexed handles.
func (idx *Index) Count() (int, error) {
	n := 0
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// All returns every indexed handle.
func (idx *Index) All() ([]string, error) {
	var out []string
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Rebuild replaces the index's contents with exactly handles, used to
// resynchronize against an authoritative directory scan (e.g. at queue
// startup, or after detecting the index is missing/corrupt).
func (idx *Index) Rebuild(handles []string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for _, h := range handles {
			if err := b.Put([]byte(h), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}
