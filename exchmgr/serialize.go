// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchmgr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/talersuite/talerwallet/amount"
)

// Canonical record encoding helpers.  All multi-byte integers are big
// endian; byte strings are length-prefixed with a uint32.

var errShortRead = errors.New("short read")

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) {
	putBytes(buf, []byte(s))
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// putTime encodes a timestamp as unix nanoseconds, with 0 reserved for the
// zero time.
func putTime(buf *bytes.Buffer, t time.Time) {
	if t.IsZero() {
		putUint64(buf, 0)
		return
	}
	putUint64(buf, uint64(t.UnixNano()))
}

func putAmount(buf *bytes.Buffer, a amount.Amount) {
	putString(buf, a.String())
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errShortRead
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errShortRead
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if uint32(r.Len()) < n {
		return nil, errShortRead
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errShortRead
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, errShortRead
	}
	return b == 1, nil
}

func readTime(r *bytes.Reader) (time.Time, error) {
	n, err := readUint64(r)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(n)), nil
}

func readAmount(r *bytes.Reader) (amount.Amount, error) {
	s, err := readString(r)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.Parse(s)
}
