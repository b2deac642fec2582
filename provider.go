package share

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

// external contract for the storage pipeline. Implementations persist
// opaque blobs under flat string keys.
type StorageProvider interface {
	// ok is false when the key is absent
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// storage provider over an ipfs datastore
type DatastoreProvider struct {
	ds datastore.Datastore
}

func NewDatastoreProvider(ds datastore.Datastore) *DatastoreProvider {
	return &DatastoreProvider{
		ds: ds,
	}
}

// in-memory provider, used by tests and as a default
func NewMemoryStorageProvider() *DatastoreProvider {
	return NewDatastoreProvider(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func (self *DatastoreProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := self.ds.Get(ctx, datastore.NewKey(key))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return value, true, nil
}

func (self *DatastoreProvider) Put(ctx context.Context, key string, value []byte) error {
	if err := self.ds.Put(ctx, datastore.NewKey(key), value); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *DatastoreProvider) Remove(ctx context.Context, key string) error {
	if err := self.ds.Delete(ctx, datastore.NewKey(key)); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *DatastoreProvider) List(ctx context.Context, prefix string) ([]string, error) {
	results, err := self.ds.Query(ctx, query.Query{
		Prefix:   datastore.NewKey(prefix).String(),
		KeysOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	defer results.Close()

	keys := []string{}
	for result := range results.Next() {
		if result.Error != nil {
			return nil, fmt.Errorf("%w: %s", ErrStorage, result.Error)
		}
		keys = append(keys, strings.TrimPrefix(result.Key, "/"))
	}
	return keys, nil
}

// wraps a provider and transparently seals values with an aead keyed
// by the session storage secret. The logical key is the associated
// data; the physical key in the inner provider carries the prefix.
type SecureStorageProvider struct {
	inner  StorageProvider
	prefix string
	secret [32]byte
}

func NewSecureStorageProvider(inner StorageProvider, prefix string, secret [32]byte) *SecureStorageProvider {
	return &SecureStorageProvider{
		inner:  inner,
		prefix: prefix,
		secret: secret,
	}
}

func (self *SecureStorageProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := self.inner.Get(ctx, self.prefix+key)
	if err != nil || !ok {
		return nil, ok, err
	}
	value, err := Open(self.secret, sealed, []byte(key))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (self *SecureStorageProvider) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := Seal(self.secret, value, []byte(key))
	if err != nil {
		return err
	}
	return self.inner.Put(ctx, self.prefix+key, sealed)
}

func (self *SecureStorageProvider) Remove(ctx context.Context, key string) error {
	return self.inner.Remove(ctx, self.prefix+key)
}

func (self *SecureStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := self.inner.List(ctx, self.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, self.prefix))
	}
	return out, nil
}
