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

package origin

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, SchemeHTTPS.IsTLS())
	assert.True(t, SchemeWSS.IsTLS())
	assert.True(t, SchemeWSSRFC8441.IsTLS())
	assert.False(t, SchemeHTTP.IsTLS())
	assert.False(t, SchemeWS.IsTLS())

	assert.True(t, SchemeWS.IsWebSocket())
	assert.True(t, SchemeWSRFC8441.IsWebSocket())
	assert.False(t, SchemeHTTP.IsWebSocket())
	assert.False(t, SchemeHTTPS.IsWebSocket())

	assert.True(t, SchemeWSRFC8441.WantsRFC8441())
	assert.True(t, SchemeWSSRFC8441.WantsRFC8441())
	assert.False(t, SchemeWS.WantsRFC8441())
}

func TestFromURLDefaultsPortAndSNI(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("HTTPS://Example.COM/path")
	require.NoError(t, err)

	o, err := FromURL(u, TLSProfile{}, "")
	require.NoError(t, err)
	assert.Equal(t, SchemeHTTPS, o.Scheme)
	assert.Equal(t, "example.com", o.Host)
	assert.Equal(t, "443", o.Port)
	assert.Equal(t, "example.com", o.TLSProfile.ServerName)
}

func TestFromURLExplicitPort(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("http://example.com:8080/")
	require.NoError(t, err)

	o, err := FromURL(u, TLSProfile{}, "")
	require.NoError(t, err)
	assert.Equal(t, "8080", o.Port)
}

func TestFromURLRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("ftp://example.com/")
	require.NoError(t, err)

	_, err = FromURL(u, TLSProfile{}, "")
	assert.Error(t, err)
}

func TestFromURLRejectsMissingHost(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("http:///path")
	require.NoError(t, err)

	_, err = FromURL(u, TLSProfile{}, "")
	assert.Error(t, err)
}

func TestFromURLRejectsInvalidPort(t *testing.T) {
	t.Parallel()

	u := &url.URL{Scheme: "http", Host: "example.com:notaport"}

	_, err := FromURL(u, TLSProfile{}, "")
	assert.Error(t, err)
}

func TestFromURLPreservesGivenServerName(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)

	o, err := FromURL(u, TLSProfile{ServerName: "override.example"}, "")
	require.NoError(t, err)
	assert.Equal(t, "override.example", o.TLSProfile.ServerName)
}

func TestOriginIsComparable(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://example.com/")
	require.NoError(t, err)

	a, err := FromURL(u, TLSProfile{}, "")
	require.NoError(t, err)
	b, err := FromURL(u, TLSProfile{}, "")
	require.NoError(t, err)

	assert.Equal(t, a, b, "two Origins built from the same URL and profile must be equal for map-keying")
}

func TestOriginStringOmitsDefaultPort(t *testing.T) {
	t.Parallel()

	o := Origin{Scheme: SchemeHTTPS, Host: "example.com", Port: "443"}
	assert.Equal(t, "https://example.com", o.String())

	o.Port = "8443"
	assert.Equal(t, "https://example.com:8443", o.String())

	o.Proxy = "http://proxy.local:3128"
	assert.Contains(t, o.String(), "via http://proxy.local:3128")
}

func TestOriginHostPort(t *testing.T) {
	t.Parallel()

	o := Origin{Host: "example.com", Port: "443"}
	assert.Equal(t, "example.com:443", o.HostPort())
}

func TestNormalizeStripsDefaultPortAndLowercasesHost(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("HTTP://Example.COM:80/a%2Fb")
	require.NoError(t, err)

	normalized := Normalize(u)
	assert.Equal(t, "example.com", normalized.Host)
}

func TestNormalizeKeepsNonDefaultPort(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("http://example.com:8080/")
	require.NoError(t, err)

	normalized := Normalize(u)
	assert.Equal(t, "example.com:8080", normalized.Host)
}
