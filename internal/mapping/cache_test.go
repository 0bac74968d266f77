package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wootrico-bridge/internal/domain"
)

func TestStoreAndRoundTrip(t *testing.T) {
	c := New(5*time.Hour, nil, nil)
	entry := domain.MappingEntry{
		HelpdeskMsgID:   42,
		ProviderMsgID:   "ABC",
		ConversationID:  7,
		InboxID:         3,
		ProviderDialect: domain.DialectZAPI,
		TenantID:        "default",
	}
	c.Store(entry)

	got, ok := c.ByHelpdeskID(42)
	assert.True(t, ok)
	assert.Equal(t, "ABC", got.ProviderMsgID)

	got2, ok := c.ByProviderID("ABC")
	assert.True(t, ok)
	assert.Equal(t, int64(42), got2.HelpdeskMsgID)
}

func TestRemoveClearsBothDirections(t *testing.T) {
	c := New(5*time.Hour, nil, nil)
	c.Store(domain.MappingEntry{HelpdeskMsgID: 1, ProviderMsgID: "X"})

	c.Remove(1)

	_, ok := c.ByHelpdeskID(1)
	assert.False(t, ok)
	_, ok = c.ByProviderID("X")
	assert.False(t, ok)
}

func TestAtMostOneHelpdeskIDPerProviderID(t *testing.T) {
	c := New(5*time.Hour, nil, nil)
	c.Store(domain.MappingEntry{HelpdeskMsgID: 1, ProviderMsgID: "shared"})
	c.Store(domain.MappingEntry{HelpdeskMsgID: 2, ProviderMsgID: "shared"})

	assert.Equal(t, 1, c.Len())
	got, ok := c.ByProviderID("shared")
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.HelpdeskMsgID, "the newer helpdesk id replaces the older one for a shared provider id")
}

func TestWipeInvokesOnWipeAndClears(t *testing.T) {
	called := make(chan struct{}, 1)
	c := New(20*time.Millisecond, nil, func() { called <- struct{}{} })
	c.Store(domain.MappingEntry{HelpdeskMsgID: 1, ProviderMsgID: "X"})
	c.StartWipeTimer()
	defer c.StopWipeTimer()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wipe timer to fire")
	}

	assert.Equal(t, 0, c.Len())
}
