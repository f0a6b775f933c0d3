package pocpoc

import (
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// SessionStorage persists the current session so it survives a restart.
// Load returns (nil, nil) when nothing is stored.
type SessionStorage interface {
	Load() (*Session, error)
	Save(Session) error
	Clear() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemorySessionStorage keeps the session in process memory only.
type MemorySessionStorage struct {
	mu      sync.RWMutex
	session *Session
}

// NewMemorySessionStorage creates an empty in-memory session storage.
func NewMemorySessionStorage() *MemorySessionStorage {
	return &MemorySessionStorage{}
}

func (s *MemorySessionStorage) Load() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *MemorySessionStorage) Save(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &session
	return nil
}

func (s *MemorySessionStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// ============================================================================
// BoltSessionStorage
// ============================================================================

var (
	bucketSession = []byte("session")
	keyCurrent    = []byte("current")
)

// dbSession is the on-disk record. Field names match the keys route guards
// look for: accessToken, userId, userName.
type dbSession struct {
	AccessToken string `msgpack:"accessToken"`
	UserID      string `msgpack:"userId"`
	UserName    string `msgpack:"userName"`
	ExpiresAt   int64  `msgpack:"expiresAt"`
}

func (s *dbSession) MarshalBinary() ([]byte, error) {
	type alias dbSession
	return msgpack.Marshal((*alias)(s))
}

func (s *dbSession) UnmarshalBinary(data []byte) error {
	type alias dbSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// BoltSessionStorage stores the session in a bbolt file.
type BoltSessionStorage struct {
	db *bbolt.DB
}

// NewBoltSessionStorage opens (or creates) the session database at path.
func NewBoltSessionStorage(path string) (*BoltSessionStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return &BoltSessionStorage{db: db}, nil
}

func (s *BoltSessionStorage) Close() error {
	return s.db.Close()
}

func (s *BoltSessionStorage) Load() (*Session, error) {
	var session *Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keyCurrent)
		if data == nil {
			return nil
		}
		var rec dbSession
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		session = &Session{
			AccessToken: rec.AccessToken,
			UserID:      rec.UserID,
			UserName:    rec.UserName,
		}
		if rec.ExpiresAt > 0 {
			session.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func (s *BoltSessionStorage) Save(session Session) error {
	rec := &dbSession{
		AccessToken: session.AccessToken,
		UserID:      session.UserID,
		UserName:    session.UserName,
	}
	if !session.ExpiresAt.IsZero() {
		rec.ExpiresAt = session.ExpiresAt.Unix()
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keyCurrent, data)
	})
}

func (s *BoltSessionStorage) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyCurrent)
	})
}
