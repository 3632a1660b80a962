package amt

import (
	"fmt"
	"io"
	"math"
	"testing"

	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

var width uint = 2

func BenchmarkNodesForHeight(b *testing.B) {
	width = 9
	for i := 0; i < b.N; i++ {
		nodesForHeight(width, i%15)
	}
}

func TestNodesForHeight(t *testing.T) {
	require.Equal(t, uint64(1), nodesForHeight(1, 0))
	require.Equal(t, uint64(4), nodesForHeight(2, 1))
	require.Equal(t, uint64(64), nodesForHeight(3, 2))
	require.Equal(t, uint64(4096), nodesForHeight(4, 3))
	require.Equal(t, uint64(1)<<63, nodesForHeight(1, 63))
	require.Equal(t, uint64(math.MaxUint64), nodesForHeight(1, 64))
	require.Equal(t, uint64(math.MaxUint64), nodesForHeight(3, 22))
	require.Equal(t, uint64(math.MaxUint64), nodesForHeight(18, 4))
}

func TestBmapBytes(t *testing.T) {
	require.Equal(t, 1, bmapBytes(1))
	require.Equal(t, 1, bmapBytes(3))
	require.Equal(t, 2, bmapBytes(4))
	require.Equal(t, 1<<15, bmapBytes(18))
}

// A CBOR-marshalable byte array.
type CborByteArray []byte

func (c *CborByteArray) MarshalCBOR(w io.Writer) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(*c))); err != nil {
		return err
	}
	_, err := w.Write(*c)
	return err
}

func (c *CborByteArray) UnmarshalCBOR(r io.Reader) error {
	maj, extra, err := cbg.CborReadHeader(r)
	if err != nil {
		return err
	}
	if maj != cbg.MajByteString {
		return fmt.Errorf("expected byte array")
	}
	*c = make([]byte, extra)
	if _, err := io.ReadFull(r, *c); err != nil {
		return err
	}
	return nil
}

func cborstr(s string) *CborByteArray {
	v := CborByteArray(s)
	return &v
}

func mustHash(t testing.TB, data []byte) mh.Multihash {
	t.Helper()
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	require.NoError(t, err)
	return h
}
