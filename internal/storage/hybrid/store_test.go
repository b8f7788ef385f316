package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage/memory"
)

var errMiss = errors.New("miss")

type fakeCache struct {
	mu      sync.Mutex
	tickets map[string]domain.Ticket
	hits    int
	deletes int
}

func newFakeCache() *fakeCache {
	return &fakeCache{tickets: make(map[string]domain.Ticket)}
}

func (c *fakeCache) CacheTicket(_ context.Context, t *domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets[t.ID] = *t
	return nil
}

func (c *fakeCache) GetCachedTicket(_ context.Context, id string) (*domain.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[id]
	if !ok {
		return nil, errMiss
	}
	c.hits++
	return &t, nil
}

func (c *fakeCache) DeleteCachedTicket(_ context.Context, t *domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tickets, t.ID)
	c.deletes++
	return nil
}

func TestHybridStore_CacheAside(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	store := NewStore(memory.NewStore(), cache, zap.NewNop())

	ticket := &domain.Ticket{EnvID: "env1", TicketID: "abc", TicketNumber: 1, Subject: "Printer jam", ThreadCount: 1}
	require.NoError(t, store.CreateTicket(ctx, ticket))

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "Printer jam", got.Subject)
	assert.Equal(t, 1, cache.hits)

	two := 2
	require.NoError(t, store.UpdateTicket(ctx, ticket.ID, domain.TicketPatch{ThreadCount: &two, ExpectedThreadCount: 1}))
	assert.Equal(t, 1, cache.deletes)

	got, err = store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ThreadCount)
	assert.Equal(t, 1, cache.hits, "cache was invalidated so the read went to the primary store")

	found, err := store.FindTicketBySubject(ctx, "env1", "Printer jam")
	require.NoError(t, err)
	assert.Equal(t, 2, found.ThreadCount)
}
