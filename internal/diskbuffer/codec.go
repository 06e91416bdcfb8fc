package diskbuffer

// Codec converts records to and from the opaque payload stored in a frame.
//
// Encode appends the encoded record to dst and returns the extended slice.
// Decode must not retain data after it returns; the buffer reuses it.
type Codec[T any] interface {
	Encode(rec T, dst []byte) ([]byte, error)
	Decode(data []byte) (T, error)
}

// BytesCodec stores byte slices as-is.
type BytesCodec struct{}

func (BytesCodec) Encode(rec []byte, dst []byte) ([]byte, error) {
	return append(dst, rec...), nil
}

func (BytesCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
