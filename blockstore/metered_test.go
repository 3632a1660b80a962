package blockstore

import (
	"context"
	"testing"

	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	amt "github.com/filecoin-project/go-amt-ipld/v5"
)

func TestMetered(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetered(NewMemory(), reg, prometheus.Labels{"backend": "memory"})
	require.NoError(t, err)
	testStore(t, m)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("put", "ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "error")))

	n, err := testutil.GatherAndCount(reg, "amt_blockstore_ops_total", "amt_blockstore_block_bytes")
	require.NoError(t, err)
	require.Equal(t, 6, n)

	_, err = m.Get(ctx, newBlock(t, "absent").Cid())
	require.True(t, format.IsNotFound(err))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "miss")))
}

func TestMeteredDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetered(NewMemory(), reg, nil)
	require.NoError(t, err)
	_, err = NewMetered(NewMemory(), reg, nil)
	require.Error(t, err)
}

func TestMeteredAMT(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetered(NewMemory(), reg, nil)
	require.NoError(t, err)
	store := cbor.NewCborStore(m)

	a, err := amt.NewAMT(store, amt.IpldCodec[string]())
	require.NoError(t, err)
	for i := uint64(0); i < 64; i++ {
		require.NoError(t, a.Set(ctx, i, "v"))
	}
	c, err := a.Flush(ctx)
	require.NoError(t, err)

	// One block per leaf plus the root.
	require.Equal(t, 9.0, testutil.ToFloat64(m.ops.WithLabelValues("put", "ok")))

	na, err := amt.LoadAMT(ctx, store, amt.IpldCodec[string](), c)
	require.NoError(t, err)
	_, _, err = na.Get(ctx, 63)
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "ok")))
}
