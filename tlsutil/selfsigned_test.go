package tlsutil_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InternetumM/AsyncNet/tlsutil"
)

func TestSelfSignedCertIsValidForLocalhost(t *testing.T) {
	cert, err := tlsutil.SelfSignedCert()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, parsed.DNSNames, "localhost")
	require.True(t, parsed.NotAfter.After(parsed.NotBefore))
}

func TestSelfSignedCertGeneratesFreshSerials(t *testing.T) {
	a, err := tlsutil.SelfSignedCert()
	require.NoError(t, err)
	b, err := tlsutil.SelfSignedCert()
	require.NoError(t, err)

	pa, err := x509.ParseCertificate(a.Certificate[0])
	require.NoError(t, err)
	pb, err := x509.ParseCertificate(b.Certificate[0])
	require.NoError(t, err)
	require.NotEqual(t, pa.SerialNumber, pb.SerialNumber)
}
