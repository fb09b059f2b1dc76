package buffer

import (
	"github.com/c360/astrobuf/metric"
)

// Option configures a buffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	metricsReg *metric.MetricsRegistry
	// label is the data_type label on exported metrics
	label string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithMetrics exports buffer statistics to registry, labelled with the data
// type name. A nil registry or empty label is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, label string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && label != "" {
			opts.metricsReg = registry
			opts.label = label
		}
	}
}

// WithDropCallback sets the function called for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{
		overflowPolicy: DropOldest,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
