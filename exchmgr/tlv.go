// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchmgr

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeDetailsCurrency        tlv.Type = 1
	typeDetailsMasterPub       tlv.Type = 2
	typeDetailsProtocolVersion tlv.Type = 3
	typeDetailsSigningKeys     tlv.Type = 4
	typeDetailsAuditors        tlv.Type = 5

	typeSigningKeyPub         tlv.Type = 1
	typeSigningKeyStampStart  tlv.Type = 2
	typeSigningKeyStampExpire tlv.Type = 3
	typeSigningKeyMasterSig   tlv.Type = 4

	typeAuditorName tlv.Type = 1
	typeAuditorURL  tlv.Type = 2
	typeAuditorPub  tlv.Type = 3
)

// tlvEncodeDetails encodes the exchange key material into a byte slice
// encoded as a TLV stream.
func tlvEncodeDetails(d *Details) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("cannot encode nil details")
	}

	currency := []byte(d.Currency)
	version := []byte(d.ProtocolVersion)
	tlvRecords := []tlv.Record{
		tlv.MakePrimitiveRecord(typeDetailsCurrency, &currency),
		tlv.MakePrimitiveRecord(typeDetailsMasterPub, &d.MasterPub),
		tlv.MakePrimitiveRecord(typeDetailsProtocolVersion, &version),
	}

	if len(d.SigningKeys) > 0 {
		tlvRecords = append(tlvRecords, tlv.MakeDynamicRecord(
			typeDetailsSigningKeys, &d.SigningKeys, func() uint64 {
				return recordSize(signingKeysEncoder, &d.SigningKeys)
			}, signingKeysEncoder, signingKeysDecoder,
		))
	}

	if len(d.Auditors) > 0 {
		tlvRecords = append(tlvRecords, tlv.MakeDynamicRecord(
			typeDetailsAuditors, &d.Auditors, func() uint64 {
				return recordSize(auditorsEncoder, &d.Auditors)
			}, auditorsEncoder, auditorsDecoder,
		))
	}

	tlvStream, err := tlv.NewStream(tlvRecords...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = tlvStream.Encode(&buf)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// tlvDecodeDetails decodes the given byte slice as a TLV stream and parses
// the exchange key material from it.
func tlvDecodeDetails(tlvData []byte) (*Details, error) {
	var (
		currency []byte
		version  []byte
		d        = &Details{}
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeDetailsCurrency, &currency),
		tlv.MakePrimitiveRecord(typeDetailsMasterPub, &d.MasterPub),
		tlv.MakePrimitiveRecord(typeDetailsProtocolVersion, &version),
		tlv.MakeDynamicRecord(
			typeDetailsSigningKeys, &d.SigningKeys, func() uint64 {
				return recordSize(signingKeysEncoder, &d.SigningKeys)
			}, signingKeysEncoder, signingKeysDecoder,
		),
		tlv.MakeDynamicRecord(
			typeDetailsAuditors, &d.Auditors, func() uint64 {
				return recordSize(auditorsEncoder, &d.Auditors)
			}, auditorsEncoder, auditorsDecoder,
		),
	)
	if err != nil {
		return nil, err
	}

	_, err = tlvStream.DecodeWithParsedTypes(bytes.NewReader(tlvData))
	if err != nil {
		return nil, err
	}

	d.Currency = string(currency)
	d.ProtocolVersion = string(version)

	return d, nil
}

// signingKeysEncoder is a custom TLV encoder for a slice of signing key
// records.  Each record is encoded as a varint length followed by the raw
// TLV bytes of the record.
func signingKeysEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]SigningKey); ok {
		for i := range *v {
			k := &(*v)[i]
			stampStart := timeToUnixNano(k.StampStart)
			stampExpire := timeToUnixNano(k.StampExpire)
			tlvStream, err := tlv.NewStream(
				tlv.MakePrimitiveRecord(
					typeSigningKeyPub, &k.Key,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyStampStart, &stampStart,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyStampExpire, &stampExpire,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyMasterSig, &k.MasterSig,
				),
			)
			if err != nil {
				return err
			}

			var keyTLVBytes bytes.Buffer
			err = tlvStream.Encode(&keyTLVBytes)
			if err != nil {
				return err
			}

			tlvLen := uint64(len(keyTLVBytes.Bytes()))
			if err := tlv.WriteVarInt(w, tlvLen, buf); err != nil {
				return err
			}

			_, err = w.Write(keyTLVBytes.Bytes())
			if err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]SigningKey")
}

// signingKeysDecoder is a custom TLV decoder for a slice of signing key
// records.
func signingKeysDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if v, ok := val.(*[]SigningKey); ok {
		var keys []SigningKey

		// A limited reader returns an EOF once the end of the outer
		// record has been reached so the loop stops consuming bytes.
		innerTlvReader := io.LimitedReader{
			R: r,
			N: int64(l),
		}

		for {
			blobSize, err := tlv.ReadVarInt(&innerTlvReader, buf)
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}

			innerInnerTlvReader := io.LimitedReader{
				R: &innerTlvReader,
				N: int64(blobSize),
			}

			var (
				k           SigningKey
				stampStart  uint64
				stampExpire uint64
			)
			tlvStream, err := tlv.NewStream(
				tlv.MakePrimitiveRecord(
					typeSigningKeyPub, &k.Key,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyStampStart, &stampStart,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyStampExpire, &stampExpire,
				),
				tlv.MakePrimitiveRecord(
					typeSigningKeyMasterSig, &k.MasterSig,
				),
			)
			if err != nil {
				return err
			}

			_, err = tlvStream.DecodeWithParsedTypes(
				&innerInnerTlvReader,
			)
			if err != nil {
				return err
			}

			k.StampStart = timeFromUnixNano(stampStart)
			k.StampExpire = timeFromUnixNano(stampExpire)
			keys = append(keys, k)
		}

		*v = keys
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]SigningKey", l, l)
}

// auditorsEncoder is a custom TLV encoder for a slice of auditor records.
func auditorsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]Auditor); ok {
		for i := range *v {
			a := &(*v)[i]
			name := []byte(a.Name)
			url := []byte(a.URL)
			tlvStream, err := tlv.NewStream(
				tlv.MakePrimitiveRecord(typeAuditorName, &name),
				tlv.MakePrimitiveRecord(typeAuditorURL, &url),
				tlv.MakePrimitiveRecord(
					typeAuditorPub, &a.AuditorPub,
				),
			)
			if err != nil {
				return err
			}

			var auditorTLVBytes bytes.Buffer
			err = tlvStream.Encode(&auditorTLVBytes)
			if err != nil {
				return err
			}

			tlvLen := uint64(len(auditorTLVBytes.Bytes()))
			if err := tlv.WriteVarInt(w, tlvLen, buf); err != nil {
				return err
			}

			_, err = w.Write(auditorTLVBytes.Bytes())
			if err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]Auditor")
}

// auditorsDecoder is a custom TLV decoder for a slice of auditor records.
func auditorsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if v, ok := val.(*[]Auditor); ok {
		var auditors []Auditor

		innerTlvReader := io.LimitedReader{
			R: r,
			N: int64(l),
		}

		for {
			blobSize, err := tlv.ReadVarInt(&innerTlvReader, buf)
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}

			innerInnerTlvReader := io.LimitedReader{
				R: &innerTlvReader,
				N: int64(blobSize),
			}

			var (
				a    Auditor
				name []byte
				url  []byte
			)
			tlvStream, err := tlv.NewStream(
				tlv.MakePrimitiveRecord(typeAuditorName, &name),
				tlv.MakePrimitiveRecord(typeAuditorURL, &url),
				tlv.MakePrimitiveRecord(
					typeAuditorPub, &a.AuditorPub,
				),
			)
			if err != nil {
				return err
			}

			_, err = tlvStream.DecodeWithParsedTypes(
				&innerInnerTlvReader,
			)
			if err != nil {
				return err
			}

			a.Name = string(name)
			a.URL = string(url)
			auditors = append(auditors, a)
		}

		*v = auditors
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]Auditor", l, l)
}

// timeToUnixNano encodes a timestamp for TLV, with 0 reserved for the zero
// time.
func timeToUnixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// timeFromUnixNano is the inverse of timeToUnixNano.
func timeFromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

// recordSize returns the amount of bytes this TLV record will occupy when
// encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)

	// The encoders only ever write to an in-memory buffer, so this
	// should never error out, but we log it just in case it does.
	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("encoding the record failed: %v", err)
	}

	return uint64(len(b.Bytes()))
}
