package amt

import (
	"bytes"

	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Codec converts between the values held by an AMT and the raw CBOR stored
// in its leaves. The codec is fixed when the AMT is constructed or loaded
// and is applied to every value that goes in or comes out.
type Codec[T any] interface {
	Encode(T) (*cbg.Deferred, error)
	Decode(*cbg.Deferred) (T, error)
}

type deferredCodec struct{}

// DeferredCodec stores and returns raw CBOR values untouched. Values are
// copied in both directions so callers never share bytes with the tree.
func DeferredCodec() Codec[*cbg.Deferred] { return deferredCodec{} }

func (deferredCodec) Encode(d *cbg.Deferred) (*cbg.Deferred, error) {
	if d == nil {
		return &cbg.Deferred{Raw: cbg.CborNull}, nil
	}
	return copyDeferred(d), nil
}

func (deferredCodec) Decode(d *cbg.Deferred) (*cbg.Deferred, error) { return copyDeferred(d), nil }

func copyDeferred(d *cbg.Deferred) *cbg.Deferred {
	return &cbg.Deferred{Raw: bytes.Clone(d.Raw)}
}

type cborValue[T any] interface {
	*T
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

type marshalerCodec[T any, PT cborValue[T]] struct{}

// MarshalerCodec encodes values whose pointer type has cbor-gen style
// MarshalCBOR/UnmarshalCBOR methods, e.g. MarshalerCodec[cbg.CborInt]().
func MarshalerCodec[T any, PT cborValue[T]]() Codec[T] { return marshalerCodec[T, PT]{} }

func (marshalerCodec[T, PT]) Encode(v T) (*cbg.Deferred, error) {
	b, err := cborToBytes(PT(&v))
	if err != nil {
		return nil, err
	}
	return &cbg.Deferred{Raw: b}, nil
}

func (marshalerCodec[T, PT]) Decode(d *cbg.Deferred) (T, error) {
	var v T
	if err := PT(&v).UnmarshalCBOR(bytes.NewReader(d.Raw)); err != nil {
		return v, err
	}
	return v, nil
}

type ipldCodec[T any] struct{}

// IpldCodec encodes values with go-ipld-cbor's reflection based encoder.
// It works for plain Go values (strings, numbers, registered structs) at
// the cost of speed.
func IpldCodec[T any]() Codec[T] { return ipldCodec[T]{} }

func (ipldCodec[T]) Encode(v T) (*cbg.Deferred, error) {
	b, err := cbor.DumpObject(v)
	if err != nil {
		return nil, err
	}
	return &cbg.Deferred{Raw: b}, nil
}

func (ipldCodec[T]) Decode(d *cbg.Deferred) (T, error) {
	var v T
	if err := cbor.DecodeInto(d.Raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
