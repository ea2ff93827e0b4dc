package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

type staticIssuers map[string]string

func (s staticIssuers) InvoicePrefix(_ context.Context, issuerID string) (string, error) {
	prefix, ok := s[issuerID]
	if !ok {
		return "", errors.NotFound("issuer", issuerID)
	}
	return prefix, nil
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCounter(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	counter := NewRedisCounter(client, staticIssuers{"acme": "FAC"}, "test")

	a, err := counter.Next(ctx, "acme", 2024)
	require.NoError(t, err)
	assert.Equal(t, Allocation{Sequence: 1, Prefix: "FAC", Year: 2024}, a)

	a, err = counter.Next(ctx, "acme", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Sequence)

	_, err = counter.Next(ctx, "ghost", 2024)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	const n = 40
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := counter.Next(ctx, "acme", 2025)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs = append(seqs, got.Sequence)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, n)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}

	_, err = counter.Next(ctx, "acme", 2024)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAllocation))
}
