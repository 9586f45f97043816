package osfd

import (
	"github.com/joeycumines/logiface"
)

type tableOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a [Table].
type Option interface {
	applyTable(*tableOptions) error
}

type optionImpl struct {
	applyTableFunc func(*tableOptions) error
}

func (o *optionImpl) applyTable(opts *tableOptions) error {
	return o.applyTableFunc(opts)
}

// WithLogger sets the structured logger, nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *tableOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveOptions(opts []Option) (*tableOptions, error) {
	cfg := &tableOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTable(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
