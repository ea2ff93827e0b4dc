package sequence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// nextScript resets the hash to the requested year and increments in one
// script execution. Redis runs scripts atomically.
var nextScript = redis.NewScript(`
local year = tonumber(ARGV[1])
local stored = tonumber(redis.call('HGET', KEYS[1], 'year') or '0')
if stored > year then
  return redis.error_reply('CLOCK_SKEW counter year ' .. stored)
end
if stored ~= year then
  redis.call('HSET', KEYS[1], 'year', year, 'next', 1)
end
if redis.call('HEXISTS', KEYS[1], 'prefix') == 0 then
  redis.call('HSET', KEYS[1], 'prefix', ARGV[2])
end
local seq = redis.call('HINCRBY', KEYS[1], 'next', 1) - 1
return {seq, redis.call('HGET', KEYS[1], 'prefix')}
`)

// IssuerLookup resolves an issuer's configured invoice prefix, returning a
// NOT_FOUND error when the issuer does not exist.
type IssuerLookup interface {
	InvoicePrefix(ctx context.Context, issuerID string) (string, error)
}

// RedisCounter keeps counters in Redis hashes, one per issuer.
type RedisCounter struct {
	client    redis.Scripter
	issuers   IssuerLookup
	keyPrefix string
}

// NewRedisCounter creates a RedisCounter. Keys are "<keyPrefix>:<issuerID>".
func NewRedisCounter(client redis.Scripter, issuers IssuerLookup, keyPrefix string) *RedisCounter {
	if keyPrefix == "" {
		keyPrefix = "ar:invoice_counter"
	}
	return &RedisCounter{client: client, issuers: issuers, keyPrefix: keyPrefix}
}

// Next implements Counter.
func (c *RedisCounter) Next(ctx context.Context, issuerID string, year int) (Allocation, error) {
	prefix, err := c.issuers.InvoicePrefix(ctx, issuerID)
	if err != nil {
		return Allocation{}, err
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	res, err := nextScript.Run(ctx, c.client, []string{c.keyPrefix + ":" + issuerID}, year, prefix).Slice()
	if err != nil {
		if strings.Contains(err.Error(), "CLOCK_SKEW") {
			return Allocation{}, errors.Allocation(issuerID, fmt.Errorf("refusing to reset counter back to %d: %w", year, err))
		}
		return Allocation{}, errors.Allocation(issuerID, err)
	}
	if len(res) != 2 {
		return Allocation{}, errors.Allocation(issuerID, fmt.Errorf("unexpected script result %v", res))
	}

	seq, ok := res[0].(int64)
	if !ok {
		return Allocation{}, errors.Allocation(issuerID, fmt.Errorf("unexpected sequence type %T", res[0]))
	}
	stored, _ := res[1].(string)

	return Allocation{Sequence: seq, Prefix: stored, Year: year}, nil
}
