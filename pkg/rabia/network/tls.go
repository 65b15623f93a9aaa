package network

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
)

// buildTLSConfig turns a definition.TLSProfile into a *tls.Config for
// either the server or client side of a connection. TLS itself stays
// on the standard library: crypto/tls is the idiomatic, and only,
// reasonable choice here -- none of the pack's examples ship a
// competing TLS stack, so there is nothing to adopt in its place.
func buildTLSConfig(profile definition.TLSProfile) (*tls.Config, error) {
	if !profile.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if profile.Identity != "" {
		certPEM, keyPEM, err := splitIdentity(profile.Identity)
		if err != nil {
			return nil, result.Wrap(result.KindTransport, "load tls identity", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, result.Wrap(result.KindTransport, "parse tls identity", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if profile.Trust != "" {
		trust, err := os.ReadFile(profile.Trust)
		if err != nil {
			return nil, result.Wrap(result.KindTransport, "read tls trust bundle", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(trust) {
			return nil, result.NewCause(result.KindTransport, "no certificates parsed from trust bundle")
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	if profile.RequireClientAuth {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// splitIdentity expects Identity to point at a PEM file containing
// both a certificate and a private key block, and returns the whole
// file as both the certificate and the key input: tls.X509KeyPair
// takes the CERTIFICATE blocks from the first and the private key
// block from the second, skipping the rest -- the profile in spec.md
// section 6 names a single "identity" path rather than a (cert, key)
// pair.
func splitIdentity(path string) (certPEM, keyPEM []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, data, nil
}
