// Copyright 2023-2025 Buf Technologies, Inc.
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

package session

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

// DecodeBody wraps body with the decoder matching contentEncoding,
// giving spec.md §7's DecodeError kind a concrete producer. Unknown or
// empty encodings pass the body through unchanged (identity).
func DecodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "br":
		return &brotliBody{br: brotli.NewReader(body), underlying: body}, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, errors.Wrap(err, "session: opening gzip decoder")
		}
		return &gzipBody{zr: zr, underlying: body}, nil
	default:
		return body, nil
	}
}

type brotliBody struct {
	br         *brotli.Reader
	underlying io.ReadCloser
}

func (b *brotliBody) Read(p []byte) (int, error) {
	n, err := b.br.Read(p)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "session: decoding brotli body")
	}
	return n, err
}

func (b *brotliBody) Close() error {
	return b.underlying.Close()
}

type gzipBody struct {
	zr         *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) {
	n, err := b.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "session: decoding gzip body")
	}
	return n, err
}

func (b *gzipBody) Close() error {
	b.zr.Close()
	return b.underlying.Close()
}
