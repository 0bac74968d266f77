package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wootrico-bridge/internal/domain"
)

func TestAddConsumeNetsZero(t *testing.T) {
	l := New()
	l.AddProvider("+5511999998888", domain.KindText)

	assert.True(t, l.ConsumeProvider("+5511999998888", domain.KindText))
	assert.False(t, l.ConsumeProvider("+5511999998888", domain.KindText), "counter should have collapsed to zero and been removed")
}

func TestConsumeAbsentReturnsFalse(t *testing.T) {
	l := New()
	assert.False(t, l.ConsumeProvider("nobody", domain.KindText))
}

func TestConsumeHelpdeskSentinel(t *testing.T) {
	l := New()

	proceed, hadCredit := l.ConsumeHelpdesk("+5511999998888", domain.KindText)
	assert.True(t, proceed, "sentinel: absent key proceeds exactly once")
	assert.False(t, hadCredit)

	l.AddHelpdesk("+5511999998888", domain.KindText)
	proceed, hadCredit = l.ConsumeHelpdesk("+5511999998888", domain.KindText)
	assert.False(t, proceed, "a present credit is consumed, not a sentinel pass-through")
	assert.True(t, hadCredit)
}

func TestCountersNeverNegativeAndCollapse(t *testing.T) {
	l := New()
	l.AddProvider("r", domain.KindImage)
	l.AddProvider("r", domain.KindImage)

	assert.True(t, l.ConsumeProvider("r", domain.KindImage))
	_, outgoingHelpdesk := l.Stats()
	assert.Empty(t, outgoingHelpdesk)

	outgoingProvider, _ := l.Stats()
	assert.Equal(t, 1, outgoingProvider["r"][string(domain.KindImage)])

	assert.True(t, l.ConsumeProvider("r", domain.KindImage))
	outgoingProvider, _ = l.Stats()
	assert.NotContains(t, outgoingProvider, "r", "zero entries must be collapsed")
}

func TestWipeClearsBothMaps(t *testing.T) {
	l := New()
	l.AddProvider("r", domain.KindText)
	l.AddHelpdesk("r", domain.KindText)

	l.Wipe()

	outgoingProvider, outgoingHelpdesk := l.Stats()
	assert.Empty(t, outgoingProvider)
	assert.Empty(t, outgoingHelpdesk)
}
