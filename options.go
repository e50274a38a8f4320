// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// options holds configuration for Runtime creation.
type options struct {
	logger          *logiface.Logger[logiface.Event]
	metricsEnabled  bool
	defaultPageSize int
}

// Option configures a Runtime instance.
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger attaches a structured logger to the runtime. A nil logger (the
// default) disables logging entirely.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection.
// When enabled, counters can be read via Runtime.Metrics().
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithDefaultPageSize sets the minimum size of region pages. Allocations
// larger than this get a dedicated page. The default is the OS page size.
func WithDefaultPageSize(bytes int) Option {
	return &optionImpl{func(opts *options) error {
		if bytes <= 0 {
			return fmt.Errorf("fiberloop: page size %d must be positive", bytes)
		}
		opts.defaultPageSize = bytes
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
