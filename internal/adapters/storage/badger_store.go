package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/xjson"
)

const (
	identityKey   = "identity"
	addressPrefix = "addr/"
)

// BadgerStore keeps the local identity and the peer address cache in a
// single badger database.
type BadgerStore struct {
	db         *badger.DB
	logger     *slog.Logger
	addressTTL time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Open(config domain.IdentityConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", config.DataDir, err)
		}
		opts = badger.DefaultOptions(config.DataDir)
	}
	opts.Logger = &badgerLogger{logger: logger.With("subcomponent", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	s := &BadgerStore{
		db:         db,
		logger:     logger,
		addressTTL: config.AddressTTL,
		stop:       make(chan struct{}),
	}
	if !config.InMemory {
		s.wg.Add(1)
		go s.runGarbageCollection(5 * time.Minute)
	}
	return s, nil
}

func (s *BadgerStore) get(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, out)
		})
	})
}

func (s *BadgerStore) put(key string, value any, ttl time.Duration) error {
	data, err := xjson.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Load() (domain.Identity, error) {
	var id domain.Identity
	if err := s.get(identityKey, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (s *BadgerStore) Save(identity domain.Identity) error {
	if identity.Fingerprint == "" {
		return fmt.Errorf("%w: identity has no fingerprint", domain.ErrInvalidInput)
	}
	return s.put(identityKey, identity, 0)
}

// LoadOrCreate returns the stored identity, creating and saving one from
// defaults on first run. A stored identity keeps its fingerprint; empty
// fields are filled from defaults.
func (s *BadgerStore) LoadOrCreate(defaults domain.Identity) (domain.Identity, error) {
	id, err := s.Load()
	switch {
	case err == nil:
		changed := false
		if id.DeviceName == "" && defaults.DeviceName != "" {
			id.DeviceName, changed = defaults.DeviceName, true
		}
		if id.IconKey == "" && defaults.IconKey != "" {
			id.IconKey, changed = defaults.IconKey, true
		}
		if changed {
			if err := s.Save(id); err != nil {
				return domain.Identity{}, err
			}
		}
		return id, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Identity{}, err
	}

	id = defaults
	if id.Fingerprint == "" {
		id.Fingerprint = uuid.NewString()
	}
	if id.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			id.DeviceName = host
		}
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	if err := s.Save(id); err != nil {
		return domain.Identity{}, err
	}
	s.logger.Info("created device identity", "fingerprint", id.Fingerprint, "device", id.DeviceName)
	return id, nil
}

func (s *BadgerStore) PutAddresses(entry domain.CachedAddresses) error {
	if entry.Fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", domain.ErrInvalidInput)
	}
	if entry.SeenAt.IsZero() {
		entry.SeenAt = time.Now().UTC()
	}
	return s.put(addressPrefix+entry.Fingerprint, entry, s.addressTTL)
}

func (s *BadgerStore) GetAddresses(fingerprint string) (domain.CachedAddresses, error) {
	var entry domain.CachedAddresses
	if err := s.get(addressPrefix+fingerprint, &entry); err != nil {
		return domain.CachedAddresses{}, err
	}
	return entry, nil
}

func (s *BadgerStore) DeleteAddresses(fingerprint string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(addressPrefix + fingerprint))
	})
}

func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) runGarbageCollection(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		err := s.db.RunValueLogGC(0.5)
		if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Warn("value log gc failed", "error", err)
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
