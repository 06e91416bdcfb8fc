// Package diskbuffer implements a durable, crash-safe, disk-backed queue
// with a single writer and a single reader.
//
// Records are encoded by a Codec, framed with a record id, a length and a
// checksum, and appended to size-bounded data files in a buffer directory.
// A ledger file tracks the writer position, the read and acknowledged
// positions, the next record id and the number of buffered bytes. Data
// files are deleted once every record in them has been read and
// acknowledged.
//
// The buffer provides at-least-once delivery: after a crash, records that
// were delivered but not acknowledged are delivered again.
//
// Basic usage:
//
//	buf, err := diskbuffer.Open(ctx, cfg, diskbuffer.BytesCodec{}, logger, nil)
//	if err != nil {
//	    return err
//	}
//	defer buf.Close()
//
//	_ = buf.Writer().WriteRecord(ctx, []byte("hello"))
//	rec, err := buf.Reader().Next(ctx)
//	buf.Acker().Ack(1)
package diskbuffer
