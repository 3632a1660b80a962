package amt

import (
	"bytes"
	"context"
	"testing"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

func TestDeferredCodec(t *testing.T) {
	codec := DeferredCodec()

	d, err := codec.Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, cbg.CborNull, d.Raw)

	in := &cbg.Deferred{Raw: []byte{0x01}}
	d, err = codec.Encode(in)
	require.NoError(t, err)
	assert.NotSame(t, in, d)
	assert.Equal(t, in.Raw, d.Raw)

	out, err := codec.Decode(in)
	require.NoError(t, err)
	assert.NotSame(t, in, out)
	assert.Equal(t, in.Raw, out.Raw)
}

func TestDeferredCodecNoAliasing(t *testing.T) {
	ctx := context.Background()
	a, err := NewAMT(cbor.NewCborStore(newMockBlocks()), DeferredCodec())
	require.NoError(t, err)

	in := &cbg.Deferred{Raw: []byte{0x01}}
	require.NoError(t, a.Set(ctx, 3, in))
	in.Raw[0] = 0x02

	out, found, err := a.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{0x01}, out.Raw)

	out.Raw[0] = 0x03
	again, _, err := a.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, again.Raw)
}

func TestMarshalerCodec(t *testing.T) {
	d, err := intCodec.Encode(cbg.CborInt(-7))
	require.NoError(t, err)

	var buf bytes.Buffer
	ci := cbg.CborInt(-7)
	require.NoError(t, ci.MarshalCBOR(&buf))
	assert.Equal(t, buf.Bytes(), d.Raw)

	v, err := intCodec.Decode(d)
	require.NoError(t, err)
	assert.Equal(t, cbg.CborInt(-7), v)

	_, err = intCodec.Decode(&cbg.Deferred{Raw: []byte{0x40}})
	require.Error(t, err)
}

type testRecord struct {
	Name  string
	Count uint64
}

func init() {
	cbor.RegisterCborType(testRecord{})
}

func TestIpldCodec(t *testing.T) {
	ctx := context.Background()
	bs := cbor.NewCborStore(newMockBlocks())

	a, err := NewAMT(bs, IpldCodec[testRecord]())
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, 3, testRecord{Name: "three", Count: 3}))
	require.NoError(t, a.Set(ctx, 90, testRecord{Name: "ninety", Count: 90}))

	c, err := a.Flush(ctx)
	require.NoError(t, err)

	na, err := LoadAMT(ctx, bs, IpldCodec[testRecord](), c)
	require.NoError(t, err)
	v, found, err := na.Get(ctx, 90)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testRecord{Name: "ninety", Count: 90}, v)

	strs, err := NewAMT(bs, IpldCodec[string]())
	require.NoError(t, err)
	require.NoError(t, strs.Set(ctx, 0, "hello"))
	s, found, err := strs.Get(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", s)
}

func TestCodecMismatch(t *testing.T) {
	ctx := context.Background()
	bs := cbor.NewCborStore(newMockBlocks())

	a, err := NewAMT(bs, IpldCodec[string]())
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, 1, "not a number"))

	c, err := a.Flush(ctx)
	require.NoError(t, err)

	na, err := LoadAMT(ctx, bs, intCodec, c)
	require.NoError(t, err)
	_, found, err := na.Get(ctx, 1)
	require.Error(t, err)
	require.False(t, found)

	raw, err := LoadAMT(ctx, bs, DeferredCodec(), c)
	require.NoError(t, err)
	d, found, err := raw.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, d.Raw)
}
