package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/prometheus/client_golang/prometheus"
)

// Metered wraps a Blockstore and records its traffic as prometheus metrics.
type Metered struct {
	inner Blockstore

	ops   *prometheus.CounterVec
	bytes *prometheus.HistogramVec
}

var _ Blockstore = (*Metered)(nil)

// NewMetered registers the store metrics with reg. labels are attached to
// every metric as constant labels.
func NewMetered(inner Blockstore, reg prometheus.Registerer, labels prometheus.Labels) (*Metered, error) {
	m := &Metered{
		inner: inner,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "amt_blockstore_ops_total",
			Help:        "number of block store operations by kind and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		bytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "amt_blockstore_block_bytes",
			Help:        "size of blocks read and written",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(32, 4, 8),
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{m.ops, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metered) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	b, err := m.inner.Get(ctx, c)
	switch {
	case format.IsNotFound(err):
		m.ops.WithLabelValues("get", "miss").Inc()
	case err != nil:
		m.ops.WithLabelValues("get", "error").Inc()
	default:
		m.ops.WithLabelValues("get", "ok").Inc()
		m.bytes.WithLabelValues("get").Observe(float64(len(b.RawData())))
	}
	return b, err
}

func (m *Metered) Put(ctx context.Context, b blocks.Block) error {
	if err := m.inner.Put(ctx, b); err != nil {
		m.ops.WithLabelValues("put", "error").Inc()
		return err
	}
	m.ops.WithLabelValues("put", "ok").Inc()
	m.bytes.WithLabelValues("put").Observe(float64(len(b.RawData())))
	return nil
}

func (m *Metered) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return m.inner.Has(ctx, c)
}
