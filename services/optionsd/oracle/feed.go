package oracle

import (
	"sync"

	"nhboptions/native/options"
)

// Feed holds the freshest accepted sample and serves it to the engine.
type Feed struct {
	mu     sync.RWMutex
	feedID [32]byte
	latest options.PriceSample
	has    bool
}

// NewFeed creates an empty feed for feedID.
func NewFeed(feedID [32]byte) *Feed {
	return &Feed{feedID: feedID}
}

// FeedID returns the feed this cache tracks.
func (f *Feed) FeedID() [32]byte { return f.feedID }

// Update stores sample when it belongs to this feed and is not older than the
// current one. It reports whether the sample was accepted.
func (f *Feed) Update(sample options.PriceSample) bool {
	if sample.FeedID != f.feedID {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has && sample.PublishTime < f.latest.PublishTime {
		return false
	}
	f.latest = sample
	f.has = true
	return true
}

// Latest returns the freshest sample regardless of age.
func (f *Feed) Latest() (options.PriceSample, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, f.has
}

// PriceNoOlderThan implements options.PriceOracle.
func (f *Feed) PriceNoOlderThan(now int64, maxAge uint64) (options.PriceSample, bool) {
	sample, ok := f.Latest()
	if !ok || sample.Age(now) > maxAge {
		return options.PriceSample{}, false
	}
	return sample, true
}
