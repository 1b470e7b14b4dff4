// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/logging"
)

// DefaultMaxDuration bounds flow age regardless of activity so a
// long-lived conversation cannot grow without limit.
const DefaultMaxDuration = time.Hour

// Builder maintains the active-flow table. The flow loop owns all
// mutation; the mutex only guards the occasional ActiveCount reader.
type Builder struct {
	timeout     time.Duration
	maxDuration time.Duration
	logger      *logging.Logger

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewBuilder creates a builder with the given idle timeout.
func NewBuilder(timeout time.Duration, logger *logging.Logger) *Builder {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Builder{
		timeout:     timeout,
		maxDuration: DefaultMaxDuration,
		logger:      logger,
		flows:       make(map[string]*Flow),
	}
}

// SetMaxDuration overrides the hard age cap. Zero disables the cap.
func (b *Builder) SetMaxDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxDuration = d
}

// Ingest folds a batch of packet records into the flow table and
// returns the flows the batch completed. The batch is sorted by
// timestamp first so the earlier packet of a brand-new conversation
// defines the initiator.
func (b *Builder) Ingest(batch []*capture.PacketRecord) []*Flow {
	if len(batch) == 0 {
		return nil
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		}
		// Equal timestamps: lexicographic tuple order decides.
		if batch[i].SrcIP != batch[j].SrcIP {
			return batch[i].SrcIP < batch[j].SrcIP
		}
		return batch[i].SrcPort < batch[j].SrcPort
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	var completed []*Flow
	for _, rec := range batch {
		key := Key(rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort, rec.Protocol)

		f, ok := b.flows[key]
		if !ok {
			f = newFlow(key, rec)
			b.flows[key] = f
		}

		if reason := f.add(rec); reason != "" {
			completed = append(completed, b.closeLocked(key, f, reason))
			continue
		}
		if b.maxDuration > 0 && f.Duration() >= b.maxDuration {
			completed = append(completed, b.closeLocked(key, f, ReasonMaxDuration))
		}
	}
	return completed
}

// PollTimeouts closes and returns every flow idle longer than the
// timeout, plus any flow past the hard age cap.
func (b *Builder) PollTimeouts(now time.Time) []*Flow {
	b.mu.Lock()
	defer b.mu.Unlock()

	var completed []*Flow
	for key, f := range b.flows {
		switch {
		case now.Sub(f.LastSeen) >= b.timeout:
			completed = append(completed, b.closeLocked(key, f, ReasonTimeout))
		case b.maxDuration > 0 && now.Sub(f.FirstSeen) >= b.maxDuration:
			completed = append(completed, b.closeLocked(key, f, ReasonMaxDuration))
		}
	}
	return completed
}

// FlushAll closes every active flow, used during shutdown so buffered
// traffic still reaches the pipeline.
func (b *Builder) FlushAll() []*Flow {
	b.mu.Lock()
	defer b.mu.Unlock()

	completed := make([]*Flow, 0, len(b.flows))
	for key, f := range b.flows {
		completed = append(completed, b.closeLocked(key, f, ReasonFlushed))
	}
	return completed
}

// ActiveCount returns the number of open flows.
func (b *Builder) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flows)
}

// closeLocked finalizes a flow: terminal state, identity assigned,
// removed from the table. A later packet with the same key starts a
// fresh flow.
func (b *Builder) closeLocked(key string, f *Flow, reason string) *Flow {
	f.CompletionReason = reason
	f.ID = uuid.NewString()
	delete(b.flows, key)
	return f
}
