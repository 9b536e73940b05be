package options

// PriceSample is one oracle observation: the price is Price × 10^Expo.
type PriceSample struct {
	FeedID      [32]byte
	Price       int64
	Expo        int32
	PublishTime int64
}

// Age returns the sample age in seconds relative to now. Samples published in
// the future report an age of zero.
func (s PriceSample) Age(now int64) uint64 {
	if now <= s.PublishTime {
		return 0
	}
	return uint64(now - s.PublishTime)
}

// PriceOracle resolves the freshest price sample. ok is false when no sample
// exists or the freshest one is older than maxAge seconds at now.
type PriceOracle interface {
	PriceNoOlderThan(now int64, maxAge uint64) (sample PriceSample, ok bool)
}
