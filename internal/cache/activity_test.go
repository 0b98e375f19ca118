package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlend/circ/internal/circ"
	"github.com/openlend/circ/internal/models"
)

// fakeRedis keeps entries in a map and fabricates go-redis command
// results the way a real client would.
type fakeRedis struct {
	data    map[string]string
	setTTL  time.Duration
	err     error
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	val, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.setTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
		f.deleted = append(f.deleted, key)
	}
	return redis.NewIntResult(n, nil)
}

func testActivity() *circ.PatronActivity {
	end := time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC)
	return &circ.PatronActivity{
		Loans: []*models.Loan{{
			ID:       uuid.New(),
			PatronID: uuid.New(),
			PoolID:   uuid.New(),
			Start:    end.AddDate(0, 0, -21),
			End:      &end,
		}},
		Holds: []*models.Hold{{
			ID:       uuid.New(),
			PatronID: uuid.New(),
			PoolID:   uuid.New(),
			Position: 3,
		}},
	}
}

func TestActivityCache_RoundTrip(t *testing.T) {
	client := newFakeRedis()
	c := New(client, time.Minute, zerolog.Nop())
	patronID := uuid.New()
	activity := testActivity()

	_, ok := c.Get(context.Background(), patronID)
	assert.False(t, ok, "cold cache misses")

	c.Set(context.Background(), patronID, activity)
	assert.Equal(t, time.Minute, client.setTTL)

	got, ok := c.Get(context.Background(), patronID)
	require.True(t, ok)
	require.Len(t, got.Loans, 1)
	require.Len(t, got.Holds, 1)
	assert.Equal(t, activity.Loans[0].ID, got.Loans[0].ID)
	assert.Equal(t, int64(3), got.Holds[0].Position)
}

func TestActivityCache_InvalidateDrops(t *testing.T) {
	client := newFakeRedis()
	c := New(client, 0, zerolog.Nop())
	patronID := uuid.New()

	c.Set(context.Background(), patronID, testActivity())
	c.Invalidate(context.Background(), patronID)

	_, ok := c.Get(context.Background(), patronID)
	assert.False(t, ok)
	assert.Contains(t, client.deleted, keyPrefix+patronID.String())
}

func TestActivityCache_RedisDownIsAMiss(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	c := New(client, 0, zerolog.Nop())
	patronID := uuid.New()

	// Neither reads nor writes may panic or propagate errors.
	c.Set(context.Background(), patronID, testActivity())
	_, ok := c.Get(context.Background(), patronID)
	assert.False(t, ok)
	c.Invalidate(context.Background(), patronID)
}

func TestActivityCache_CorruptEntryDropped(t *testing.T) {
	client := newFakeRedis()
	c := New(client, 0, zerolog.Nop())
	patronID := uuid.New()

	client.data[keyPrefix+patronID.String()] = "{not json"

	_, ok := c.Get(context.Background(), patronID)
	assert.False(t, ok)
	assert.NotContains(t, client.data, keyPrefix+patronID.String(), "corrupt entry is evicted")
}

func TestActivityCache_DefaultTTL(t *testing.T) {
	client := newFakeRedis()
	c := New(client, 0, zerolog.Nop())

	c.Set(context.Background(), uuid.New(), testActivity())
	assert.Equal(t, DefaultTTL, client.setTTL)

	// Cached payload is plain JSON, readable by other consumers.
	for _, v := range client.data {
		assert.True(t, jsoniter.Valid([]byte(v)))
	}
}
