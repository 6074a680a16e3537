// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"github.com/klauspost/compress/zstd"

	"go.chromium.org/luci/common/errors"
)

// Globally shared zstd encoder and decoder. Only EncodeAll and DecodeAll are
// used, they are allowed to be called concurrently.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err) // this is impossible
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err) // this is impossible
	}
}

// DefaultMinSize is the default Zstd.MinSize.
const DefaultMinSize = 512

// Blob header bytes.
const (
	rawBlob  byte = 0
	zstdBlob byte = 1
)

// Zstd is a store.Compressor using zstd.
//
// Blobs shorter than MinSize are stored uncompressed, a one byte header tells
// the two apart.
type Zstd struct {
	// MinSize is the smallest blob worth compressing.
	//
	// Default is DefaultMinSize. Negative value means "compress everything".
	MinSize int
}

// Compress implements store.Compressor.
func (z Zstd) Compress(b []byte) ([]byte, error) {
	minSize := z.MinSize
	if minSize == 0 {
		minSize = DefaultMinSize
	}
	if len(b) < minSize {
		return append([]byte{rawBlob}, b...), nil
	}
	return zstdEncoder.EncodeAll(b, []byte{zstdBlob}), nil
}

// Decompress implements store.Compressor.
func (Zstd) Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("zstd: empty blob")
	}
	switch b[0] {
	case rawBlob:
		return b[1:], nil
	case zstdBlob:
		out, err := zstdDecoder.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, errors.Fmt("zstd: %w", err)
		}
		return out, nil
	default:
		return nil, errors.Fmt("zstd: unknown blob header %d", b[0])
	}
}
