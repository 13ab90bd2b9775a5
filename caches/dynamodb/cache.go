// Package dynamodb is a remote-KV CacheBackend backed by Amazon DynamoDB,
// generalized from a single-URL conditional-response cache to the
// resolver's CacheKey/CacheEntry contract.
package dynamodb

import (
	"bytes"
	"context"
	"encoding/gob"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// Config defines the configuration options for the DynamoDB cache
// implementation.
type Config struct {
	// ItemExpiration bounds how long an item stays valid in the table
	// when the CacheEntry itself carries no ExpiresAt.
	ItemExpiration time.Duration
	Table          string
}

// Cache implements reqgraph.CacheBackend using Amazon DynamoDB as the
// storage backend.
type Cache struct {
	client *dynamodb.Client

	table      string
	expiration time.Duration
	now        clock.Source
}

type cacheItem struct {
	Key       string `dynamodbav:"key"`
	Entry     []byte `dynamodbav:"entry"`
	CreatedAt int64  `dynamodbav:"created_at"`
	ExpiredAt int64  `dynamodbav:"expired_at"`
}

// Lookup implements reqgraph.CacheBackend.
func (c *Cache) Lookup(ctx context.Context, key reqgraph.CacheKey) (*reqgraph.CacheEntry, error) {
	k := caches.RemoteKey(key)

	av, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{
			"key": av,
		},
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, reqgraph.ErrNotFound
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	var entry reqgraph.CacheEntry
	if err := gobDecode(item.Entry, &entry); err != nil {
		return nil, err
	}

	if entry.Expired(c.now()) {
		return &entry, reqgraph.ErrCacheItemExpired
	}

	return &entry, nil
}

// Put implements reqgraph.CacheBackend. It uses a TTL derived from the
// entry's own ExpiresAt when set, falling back to the backend's
// configured ItemExpiration.
func (c *Cache) Put(ctx context.Context, key reqgraph.CacheKey, entry *reqgraph.CacheEntry) (map[string]any, error) {
	k := caches.RemoteKey(key)
	createdAt := c.now()

	stored := *entry
	stored.Res = stored.Res.Stripped()

	encoded, err := gobEncode(stored)
	if err != nil {
		return nil, err
	}

	expiry := createdAt.Add(c.expiration)
	if !entry.ExpiresAt.IsZero() {
		expiry = entry.ExpiresAt
	}

	item := cacheItem{
		Key:       k,
		Entry:     encoded,
		CreatedAt: createdAt.Unix(),
		ExpiredAt: expiry.Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"key": k, "expired_at": strconv.FormatInt(item.ExpiredAt, 10)}, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// New creates a new DynamoDB cache instance with the provided
// configuration. It validates the configuration and sets default values
// where appropriate.
func New(client *dynamodb.Client, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationErr("nil client")
	}
	if config == nil || config.Table == "" {
		return nil, caches.ValidationErr("empty table name")
	}

	itemExpiration := config.ItemExpiration
	if itemExpiration == 0 {
		itemExpiration = caches.DefaultExpiredDuration
	}

	return &Cache{
		client:     client,
		table:      config.Table,
		expiration: itemExpiration,
		now:        clock.Now,
	}, nil
}
