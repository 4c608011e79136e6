// codec.go - CBOR object and sidecar codec
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package codec implements the two serialization collaborators spec.md
// leaves external: the object codec used by Queue.queueObject/getObject
// (the "pickle equivalent"), and the explicit versioned binary format for
// the delivery-queue's meta_<handle> sidecar that spec.md's design notes
// require in place of a language-native pickled tuple.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// WriteObject serializes obj using the structured binary codec shared by
// every queued object in this module, grounded on the teacher's use of
// cbor for all wire and on-disk object encodings.
func WriteObject(obj interface{}) ([]byte, error) {
	return cbor.Marshal(obj)
}

// ReadObject deserializes bytes previously produced by WriteObject into
// out, which must be a pointer.
func ReadObject(data []byte, out interface{}) error {
	return cbor.Unmarshal(data, out)
}

// DeliveryState is the decoded form of a meta_<handle> sidecar file.
type DeliveryState struct {
	QueuedTime float64
	HasLast    bool
	LastAttempt float64
}

const versionTagV0 = "V0"

// ErrUnknownVersion is returned (and wrapped into a MixFatalError by
// callers) when a sidecar file's leading tag isn't recognized.
var ErrUnknownVersion = fmt.Errorf("codec: unrecognized delivery state version")

// MarshalDeliveryState encodes a DeliveryState into the on-disk format:
// a 2-byte version tag, an 8-byte big-endian IEEE754 queuedTime, a
// 1-byte "last attempt present" flag, and (if present) an 8-byte
// big-endian IEEE754 lastAttempt.
func MarshalDeliveryState(ds DeliveryState) []byte {
	buf := make([]byte, 0, 2+8+1+8)
	buf = append(buf, versionTagV0...)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(ds.QueuedTime))
	if ds.HasLast {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(ds.LastAttempt))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// UnmarshalDeliveryState decodes the on-disk sidecar format. An
// unrecognized version tag returns ErrUnknownVersion, which callers MUST
// treat as a MixFatalError per spec.md: such messages are in an obsolete
// or corrupt format and cannot be trusted.
func UnmarshalDeliveryState(data []byte) (DeliveryState, error) {
	if len(data) < 2 || string(data[:2]) != versionTagV0 {
		return DeliveryState{}, ErrUnknownVersion
	}
	data = data[2:]
	if len(data) < 8 {
		return DeliveryState{}, ErrUnknownVersion
	}
	queued := math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
	data = data[8:]
	if len(data) < 1 {
		return DeliveryState{}, ErrUnknownVersion
	}
	hasLast := data[0] != 0
	data = data[1:]
	ds := DeliveryState{QueuedTime: queued, HasLast: hasLast}
	if hasLast {
		if len(data) < 8 {
			return DeliveryState{}, ErrUnknownVersion
		}
		ds.LastAttempt = math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
	}
	return ds, nil
}
