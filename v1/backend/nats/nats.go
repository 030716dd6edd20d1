// Package nats provides a quorum member on a NATS JetStream key/value
// bucket. Expiry is a property of the bucket, so the bucket TTL must not be
// shorter than the expire timeout of the locks stored in it.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// ErrBucketTTL is returned when a lock would outlive the bucket TTL.
var ErrBucketTTL = errors.New("nats: lock ttl exceeds bucket ttl")

// KV implements mutex.Member on a JetStream key/value bucket.
type KV struct {
	kv  nats.KeyValue
	ttl time.Duration
}

// compile-time interface check.
var _ mutex.Member = (*KV)(nil)

// New returns a member using kv. The bucket must have a TTL.
func New(kv nats.KeyValue) (*KV, error) {
	status, err := kv.Status()
	if err != nil {
		return nil, fmt.Errorf("nats status %s: %w", kv.Bucket(), err)
	}
	if status.TTL() <= 0 {
		return nil, fmt.Errorf("nats bucket %s: %w", kv.Bucket(), ErrBucketTTL)
	}
	return &KV{kv: kv, ttl: status.TTL()}, nil
}

// NewBucket creates (or binds to) a bucket suitable for locks expiring
// after ttl.
func NewBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (*KV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl, History: 1})
	}
	if err != nil {
		return nil, fmt.Errorf("nats bucket %s: %w", bucket, err)
	}
	return New(kv)
}

// SetNX implements mutex.Member.SetNX. The key expires with the bucket TTL,
// which must be at least ttl.
func (k *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl > k.ttl {
		return false, fmt.Errorf("set %s for %s, bucket keeps %s: %w", key, ttl, k.ttl, ErrBucketTTL)
	}
	_, err := k.kv.Create(encodeKey(key), []byte(value))
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats create %s: %w", key, err)
	}
	return true, nil
}

// DeleteIfEquals implements mutex.Member.DeleteIfEquals. The delete is
// conditioned on the revision read, so a concurrent re-acquisition is never
// removed.
func (k *KV) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ek := encodeKey(key)
	entry, err := k.kv.Get(ek)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats get %s: %w", key, err)
	}
	if string(entry.Value()) != value {
		return false, nil
	}
	err = k.kv.Delete(ek, nats.LastRevision(entry.Revision()))
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats delete %s: %w", key, err)
	}
	return true, nil
}

// encodeKey maps arbitrary lock keys onto the NATS key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
