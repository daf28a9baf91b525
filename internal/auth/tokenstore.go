package auth

import "github.com/boltdb/bolt"

// tokenStore persists a single gob-encoded OAuth2 token under one bucket
// and key. Trimmed from danmarg-outtake's lib/cache.go, which exposed a
// generic namespaced Set/Get/Del/Items surface; auth only ever needs to
// read and write one value, so that surface is cut down to get/set/close.
type tokenStore struct {
	db *bolt.DB
}

var tokenBucket = []byte("oauth_token")
var tokenKey = []byte("0")

func openTokenStore(path string) (*tokenStore, error) {
	db, err := bolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	return &tokenStore{db: db}, nil
}

func (s *tokenStore) get() ([]byte, bool) {
	var v []byte
	var ok bool
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokenBucket)
		if b == nil {
			return nil
		}
		if raw := b.Get(tokenKey); raw != nil {
			v, ok = append([]byte(nil), raw...), true
		}
		return nil
	}); err != nil {
		panic(err)
	}
	return v, ok
}

func (s *tokenStore) set(v []byte) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tokenBucket)
		if err != nil {
			return err
		}
		return b.Put(tokenKey, v)
	}); err != nil {
		panic(err)
	}
}

func (s *tokenStore) Close() error {
	return s.db.Close()
}
