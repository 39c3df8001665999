// Copyright 2025 The Verso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoding

import (
	"encoding/binary"
)

func AppendUint16ToBufferLE(buffer []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buffer, v)
}

func AppendUint32ToBufferLE(buffer []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buffer, v)
}

func AppendUint64ToBufferLE(buffer []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buffer, v)
}

func ReadUint16FromBufferLE(buffer []byte, offset int) (uint16, int) {
	return binary.LittleEndian.Uint16(buffer[offset:]), offset + 2
}

func ReadUint32FromBufferLE(buffer []byte, offset int) (uint32, int) {
	return binary.LittleEndian.Uint32(buffer[offset:]), offset + 4
}

func ReadUint64FromBufferLE(buffer []byte, offset int) (uint64, int) {
	return binary.LittleEndian.Uint64(buffer[offset:]), offset + 8
}

func AppendBytesWithLengthToBufferLE(buffer []byte, bytes []byte) []byte {
	buffer = AppendUint32ToBufferLE(buffer, uint32(len(bytes)))
	return append(buffer, bytes...)
}

func ReadBytesWithLengthFromBufferLE(buffer []byte, offset int) ([]byte, int) {
	l, offset := ReadUint32FromBufferLE(buffer, offset)
	end := offset + int(l)
	return buffer[offset:end:end], end
}

func AppendStringToBufferLE(buffer []byte, s string) []byte {
	buffer = AppendUint32ToBufferLE(buffer, uint32(len(s)))
	return append(buffer, s...)
}

func ReadStringFromBufferLE(buffer []byte, offset int) (string, int) {
	l, offset := ReadUint32FromBufferLE(buffer, offset)
	end := offset + int(l)
	return string(buffer[offset:end]), end
}
