package kevent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Options(t *testing.T) {
	t.Run("nil options are skipped", func(t *testing.T) {
		q, err := New(nil, WithMetrics(true), nil)
		require.NoError(t, err)
		defer q.Close()
		assert.NotNil(t, q.metrics)
	})
	t.Run("nil clock", func(t *testing.T) {
		_, err := New(WithClock(nil))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("invalid rates", func(t *testing.T) {
		_, err := New(WithRegisterRateLimit(map[time.Duration]int{time.Second: 0}))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
	t.Run("defaults", func(t *testing.T) {
		cfg, err := resolveOptions(nil)
		require.NoError(t, err)
		assert.Equal(t, systemClock{}, cfg.clock)
		assert.Nil(t, cfg.logger)
		assert.Nil(t, cfg.files)
		assert.Nil(t, cfg.procs)
		assert.False(t, cfg.metrics)
	})
}

func TestWithRegisterRateLimit(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		rates map[time.Duration]int
		valid bool
	}{
		{name: "empty"},
		{name: "single", rates: map[time.Duration]int{time.Second: 10}, valid: true},
		{name: "decreasing rate", rates: map[time.Duration]int{time.Second: 100, time.Minute: 1000}, valid: true},
		{name: "zero count", rates: map[time.Duration]int{time.Second: 0}},
		{name: "negative window", rates: map[time.Duration]int{-time.Second: 1}},
		{name: "count not increasing", rates: map[time.Duration]int{time.Second: 10, time.Minute: 10}},
		{name: "rate not decreasing", rates: map[time.Duration]int{time.Second: 1, time.Minute: 120}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveOptions([]Option{WithRegisterRateLimit(tc.rates)})
			if !tc.valid {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg.limiter)
		})
	}
}

func TestWithRegisterRateLimit_CopiesRates(t *testing.T) {
	rates := map[time.Duration]int{time.Hour: 1}
	opt := WithRegisterRateLimit(rates)
	rates[time.Hour] = 1000

	q := newTestQueue(t, opt)
	const tag FilterTag = 213
	require.NoError(t, RegisterFilter(tag, &funcFilter{}))
	t.Cleanup(func() { UnregisterFilter(tag) })

	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: tag, Flags: FlagAdd}))
	require.ErrorIs(t, q.Register(Kevent{Ident: 2, Filter: tag, Flags: FlagAdd}), ErrResourceExhausted)

	// each queue gets its own limiter
	other := newTestQueue(t, opt)
	require.NoError(t, other.Register(Kevent{Ident: 1, Filter: tag, Flags: FlagAdd}))
}
