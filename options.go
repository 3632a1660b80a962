package amt

import (
	"golang.org/x/xerrors"
)

// MinBitWidth is the smallest bit width an AMT can be built with (a width
// of 2 slots per node).
const MinBitWidth = 1

// MaxBitWidth is the largest bit width an AMT can be built with. A full
// node at this width holds cbg.MaxLength slots, the most a node can encode.
const MaxBitWidth = 13

var defaultBitWidth uint = 3

type config struct {
	bitWidth uint
}

type Option func(*config) error

// UseTreeBitWidth sets the bit width of the AMT. Each node holds
// 2^bitWidth slots. An AMT must be loaded with the same bit width it was
// created with.
func UseTreeBitWidth(bitWidth uint) Option {
	return func(c *config) error {
		if bitWidth < MinBitWidth {
			return xerrors.Errorf("bit width must be at least %d, is %d", MinBitWidth, bitWidth)
		}
		if bitWidth > MaxBitWidth {
			return xerrors.Errorf("bit width must be at most %d, is %d", MaxBitWidth, bitWidth)
		}
		c.bitWidth = bitWidth
		return nil
	}
}

func defaultConfig() *config {
	return &config{
		bitWidth: defaultBitWidth,
	}
}

func newConfig(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
