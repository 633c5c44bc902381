package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"
)

// BoltDB represents a bolt database, which is a single-file key-value
// store. The master keeps its system of record in one, with one
// bucket per entity kind. Values are gob-encoded.
type BoltDB struct {
	db       *bolt.DB
	filePath string
}

// NewBoltDB opens a bolt database, creating the DB file if it doesn't
// already exist, and makes sure the named buckets exist.
func NewBoltDB(filePath string, buckets ...string) (boltDB *BoltDB, err error) {
	db, err := bolt.Open(filePath, 0644, nil)
	if err == nil {
		boltDB = &BoltDB{
			db:       db,
			filePath: filePath,
		}
		err = boltDB.initBuckets(buckets)
	}
	return boltDB, err
}

func (boltDB *BoltDB) initBuckets(buckets []string) error {
	return boltDB.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("Error creating bucket %s: %s", name, err)
			}
		}
		return nil
	})
}

// FilePath returns the path to the bolt DB file.
func (boltDB *BoltDB) FilePath() string {
	return boltDB.filePath
}

// Close closes the bolt database.
func (boltDB *BoltDB) Close() {
	boltDB.db.Close()
}

// IdKey formats a numeric id so that keys sort in id order.
func IdKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// Encode gob-encodes value.
func Encode(value interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	err := gob.NewEncoder(buf).Encode(value)
	return buf.Bytes(), err
}

// Decode gob-decodes data into value, which must be a pointer.
func Decode(data []byte, value interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(value)
}

// Save saves a value under key in the named bucket.
func (boltDB *BoltDB) Save(bucketName, key string, value interface{}) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}
	return boltDB.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltDB.bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// Insert assigns the next sequence number of the bucket through
// setId, then saves value under that id. setId runs inside the
// write transaction, before encoding.
func (boltDB *BoltDB) Insert(bucketName string, value interface{}, setId func(int64)) (int64, error) {
	var id int64
	err := boltDB.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltDB.bucket(tx, bucketName)
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		setId(id)
		data, err := Encode(value)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(IdKey(id)), data)
	})
	return id, err
}

// Load decodes the value under key into value. It returns false and
// no error when the key does not exist.
func (boltDB *BoltDB) Load(bucketName, key string, value interface{}) (bool, error) {
	found := false
	err := boltDB.db.View(func(tx *bolt.Tx) error {
		bucket, err := boltDB.bucket(tx, bucketName)
		if err != nil {
			return err
		}
		data := bucket.Get([]byte(key))
		if len(data) == 0 {
			return nil
		}
		found = true
		return Decode(data, value)
	})
	return found, err
}

// Exists returns true if the bucket has a value under key.
func (boltDB *BoltDB) Exists(bucketName, key string) bool {
	exists := false
	_ = boltDB.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		exists = bucket != nil && bucket.Get([]byte(key)) != nil
		return nil
	})
	return exists
}

// Delete removes key from the bucket. Deleting a missing key is
// not an error.
func (boltDB *BoltDB) Delete(bucketName, key string) error {
	return boltDB.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltDB.bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

// ForEach calls fn for each key of the bucket, in key order. Return
// ErrStop from fn to end the iteration early without an error.
func (boltDB *BoltDB) ForEach(bucketName string, fn func(k, v []byte) error) error {
	err := boltDB.db.View(func(tx *bolt.Tx) error {
		bucket, err := boltDB.bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return bucket.ForEach(fn)
	})
	if err == ErrStop {
		return nil
	}
	return err
}

// ErrStop ends a ForEach iteration early.
var ErrStop = fmt.Errorf("stop iteration")

// Keys returns a list of all keys in the bucket.
func (boltDB *BoltDB) Keys(bucketName string) []string {
	keys := make([]string, 0)
	boltDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys
}

// KeyBatch returns the keys of the bucket from offset (zero-based)
// up to limit, or end of list.
func (boltDB *BoltDB) KeyBatch(bucketName string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	index := 0
	end := offset + limit
	keys := make([]string, 0)
	boltDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && index < end; k, _ = c.Next() {
			if index >= offset {
				keys = append(keys, string(k))
			}
			index++
		}
		return nil
	})
	return keys
}

// Count returns the number of keys in the bucket.
func (boltDB *BoltDB) Count(bucketName string) int {
	count := 0
	boltDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count
}

func (boltDB *BoltDB) bucket(tx *bolt.Tx, bucketName string) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return nil, fmt.Errorf("Bucket %s does not exist", bucketName)
	}
	return bucket, nil
}
