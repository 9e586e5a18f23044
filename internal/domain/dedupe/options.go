package dedupe

// Option configures the in-memory deduper.
type Option func(*inMemoryDeduper)

// WithMaxSize bounds how many keys are remembered; the oldest go first.
// Zero or less keeps every key.
func WithMaxSize(maxSize int) Option {
	return func(d *inMemoryDeduper) {
		d.maxSize = maxSize
	}
}
