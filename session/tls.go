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
	"context"
	"crypto/x509"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/pkg/errors"

	"github.com/wireloop/httpconn/origin"
)

// clientHelloIDs maps the profile names an origin.TLSProfile can name to
// concrete utls fingerprints. An empty or unrecognized name falls back
// to utls.HelloGolang, the standard-library-shaped ClientHello.
var clientHelloIDs = map[string]utls.ClientHelloID{
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"edge":    utls.HelloEdge_Auto,
	"ios":     utls.HelloIOS_Auto,
	"golang":  utls.HelloGolang,
}

// HandshakeTLS performs the TLS handshake for an https/wss Origin over
// an already-dialed net.Conn, using utls so origin.TLSProfile.ClientHelloID
// can select a JA3-style fingerprint distinct from the Go standard
// library's — grounded on shiroyk-ski/fetch's dialTLSWithContext.
//
// ALPN offers h2 and http/1.1 for TCP transports (spec.md §4.3); the
// negotiated protocol is returned via the resulting *utls.UConn's
// ConnectionState().
func HandshakeTLS(ctx context.Context, conn net.Conn, profile origin.TLSProfile, roots *x509.CertPool) (*utls.UConn, error) {
	cfg := &utls.Config{
		ServerName:         profile.ServerName,
		RootCAs:            roots,
		InsecureSkipVerify: profile.VerifyMode == "insecure",
		NextProtos:         alpnOffers(profile),
	}

	helloID, ok := clientHelloIDs[strings.ToLower(profile.ClientHelloID)]
	if !ok {
		helloID = utls.HelloGolang
	}

	uconn := utls.UClient(conn, cfg, helloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		if isCertError(err) {
			return nil, errors.Wrap(err, "session: tls certificate verification failed")
		}
		return nil, errors.Wrap(err, "session: tls handshake failed")
	}

	if verr := verifyHostname(uconn, profile.ServerName); verr != nil {
		return nil, verr
	}

	return uconn, nil
}

func alpnOffers(profile origin.TLSProfile) []string {
	if profile.ALPNOffers == "" {
		return []string{"h2", "http/1.1"}
	}
	return strings.Split(profile.ALPNOffers, ",")
}

func isCertError(err error) bool {
	var certErr x509.CertificateInvalidError
	var unknownAuthErr x509.UnknownAuthorityError
	return errors.As(err, &certErr) || errors.As(err, &unknownAuthErr)
}

func verifyHostname(uconn *utls.UConn, serverName string) error {
	if serverName == "" {
		return nil
	}
	state := uconn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	if err := state.PeerCertificates[0].VerifyHostname(serverName); err != nil {
		return errors.Wrap(err, "session: tls hostname_mismatch")
	}
	return nil
}

// NegotiatedProtocol returns the ALPN protocol chosen during the
// handshake, defaulting to HTTP/1.1 when the peer offered none (spec.md
// §4.3: "unknown ALPN falls back to HTTP/1.1").
func NegotiatedProtocol(uconn *utls.UConn) Protocol {
	switch uconn.ConnectionState().NegotiatedProtocol {
	case "h2":
		return ProtocolH2
	default:
		return ProtocolH1
	}
}
