// Package ledger implements the echo-suppression credit ledger:
// two independent maps, each keyed by (recipient, message kind), used to
// recognize and skip the echo of a message the bridge itself just sent.
package ledger

import (
	"sync"

	"wootrico-bridge/internal/domain"
)

type key struct {
	recipient string
	kind      domain.MessageKind
}

// Ledger holds the two credit maps. A single mutex guards both; the
// maps are small and hot, so fine-grained per-key locking buys nothing.
type Ledger struct {
	mu               sync.Mutex
	outgoingProvider map[key]int
	outgoingHelpdesk map[key]int
}

// New constructs an empty ledger.
func New() *Ledger {
	return &Ledger{
		outgoingProvider: make(map[key]int),
		outgoingHelpdesk: make(map[key]int),
	}
}

// AddProvider pre-credits the provider echo map for (recipient, kind).
func (l *Ledger) AddProvider(recipient string, kind domain.MessageKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoingProvider[key{recipient, kind}]++
}

// ConsumeProvider decrements the provider echo credit for (recipient,
// kind) and returns true iff one was present to consume.
func (l *Ledger) ConsumeProvider(recipient string, kind domain.MessageKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return consume(l.outgoingProvider, key{recipient, kind})
}

// AddHelpdesk pre-credits the helpdesk echo map for (recipient, kind).
func (l *Ledger) AddHelpdesk(recipient string, kind domain.MessageKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoingHelpdesk[key{recipient, kind}]++
}

// ConsumeHelpdesk decrements the helpdesk echo credit for (recipient,
// kind). It has an inverted sentinel relative to ConsumeProvider: it
// returns proceed=true when the key is absent (a genuine new event, not
// pre-credited by anything else) and proceed=false when a credit was
// present and got consumed (this event was already accounted for by
// whoever pre-credited it). hadCredit reports which branch fired, for
// call sites that key their deliver/skip decision on "was a credit
// present" rather than on the sentinel.
func (l *Ledger) ConsumeHelpdesk(recipient string, kind domain.MessageKind) (proceed bool, hadCredit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{recipient, kind}
	if l.outgoingHelpdesk[k] <= 0 {
		return true, false
	}
	consume(l.outgoingHelpdesk, k)
	return false, true
}

// RollbackHelpdesk undoes a prior AddHelpdesk pre-credit, used when the
// provider send it was guarding against fails.
// Unlike ConsumeHelpdesk it carries no sentinel: absent is simply a no-op.
func (l *Ledger) RollbackHelpdesk(recipient string, kind domain.MessageKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	consume(l.outgoingHelpdesk, key{recipient, kind})
}

// consume decrements m[k] and deletes the entry once it reaches zero. It
// must be called with the ledger's mutex already held. Returns whether a
// positive count was present to consume.
func consume(m map[key]int, k key) bool {
	if m[k] <= 0 {
		return false
	}
	m[k]--
	if m[k] == 0 {
		delete(m, k)
	}
	return true
}

// Wipe clears both maps, invoked by the mapping cache's 5-hour eviction
// timer.
func (l *Ledger) Wipe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoingProvider = make(map[key]int)
	l.outgoingHelpdesk = make(map[key]int)
}

// Stats serializes both maps as nested recipient->kind->count data for the
// ticket-stats endpoint.
func (l *Ledger) Stats() (outgoingProvider, outgoingHelpdesk map[string]map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return flatten(l.outgoingProvider), flatten(l.outgoingHelpdesk)
}

func flatten(m map[key]int) map[string]map[string]int {
	out := make(map[string]map[string]int)
	for k, v := range m {
		if out[k.recipient] == nil {
			out[k.recipient] = make(map[string]int)
		}
		out[k.recipient][string(k.kind)] = v
	}
	return out
}
