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
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBodyIdentity(t *testing.T) {
	t.Parallel()

	body := io.NopCloser(bytes.NewBufferString("hello"))
	decoded, err := DecodeBody(body, "")
	require.NoError(t, err)
	data, err := io.ReadAll(decoded)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDecodeBodyGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	decoded, err := DecodeBody(io.NopCloser(&buf), "gzip")
	require.NoError(t, err)
	data, err := io.ReadAll(decoded)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(data))
	require.NoError(t, decoded.Close())
}

func TestDecodeBodyGzipInvalidStreamErrors(t *testing.T) {
	t.Parallel()

	_, err := DecodeBody(io.NopCloser(bytes.NewBufferString("not gzip")), "gzip")
	assert.Error(t, err)
}

func TestDecodeBodyBrotli(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte("brotli payload"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	decoded, err := DecodeBody(io.NopCloser(&buf), "br")
	require.NoError(t, err)
	data, err := io.ReadAll(decoded)
	require.NoError(t, err)
	assert.Equal(t, "brotli payload", string(data))
	require.NoError(t, decoded.Close())
}

func TestDecodeBodyUnknownEncodingPassesThrough(t *testing.T) {
	t.Parallel()

	body := io.NopCloser(bytes.NewBufferString("raw"))
	decoded, err := DecodeBody(body, "x-custom")
	require.NoError(t, err)
	data, err := io.ReadAll(decoded)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))
}
