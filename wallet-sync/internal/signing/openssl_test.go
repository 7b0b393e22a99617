package signing

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/testutil"
)

// fakeOpenSSL writes a script that mimics `openssl smime` by copying the
// manifest into the -out path, or by running body instead when given.
func fakeOpenSSL(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}
	if body == "" {
		body = `in=""; out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -in) in="$2"; shift ;;
    -out) out="$2"; shift ;;
  esac
  shift
done
printf 'SIG:' > "$out"
cat "$in" >> "$out"`
	}
	path := filepath.Join(t.TempDir(), "openssl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func material() *credentials.AppleMaterial {
	return &credentials.AppleMaterial{
		PassTypeID: "pass.com.example.loyalty",
		TeamID:     "TEAM123",
		CertPEM:    []byte("cert"),
		KeyPEM:     []byte("key"),
		WWDRPEM:    []byte("wwdr"),
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "signing work directory must be removed")
}

func TestOpenSSLSignerRemovesWorkDirOnSuccess(t *testing.T) {
	work := t.TempDir()
	s := NewOpenSSLSigner(OpenSSLConfig{Binary: fakeOpenSSL(t, ""), TempDir: work})

	sig, err := s.Sign(context.Background(), []byte(`{"pass.json":"ab"}`), material())
	require.NoError(t, err)
	assert.Equal(t, `SIG:{"pass.json":"ab"}`, string(sig))
	assertEmptyDir(t, work)
}

func TestOpenSSLSignerRemovesWorkDirOnFailure(t *testing.T) {
	work := t.TempDir()
	s := NewOpenSSLSigner(OpenSSLConfig{Binary: fakeOpenSSL(t, "echo 'unable to load key' >&2; exit 3"), TempDir: work})

	_, err := s.Sign(context.Background(), []byte("{}"), material())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.E(apperr.SigningFailed))
	assert.Contains(t, err.Error(), "unable to load key")
	assert.True(t, apperr.Retryable(err))
	assertEmptyDir(t, work)
}

func TestOpenSSLSignerTimeout(t *testing.T) {
	work := t.TempDir()
	s := NewOpenSSLSigner(OpenSSLConfig{
		Binary:  fakeOpenSSL(t, "exec sleep 5"),
		TempDir: work,
		Timeout: 100 * time.Millisecond,
	})

	start := time.Now()
	_, err := s.Sign(context.Background(), []byte("{}"), material())
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)
	assertEmptyDir(t, work)
}

func TestOpenSSLSignerMissingBinary(t *testing.T) {
	work := t.TempDir()
	s := NewOpenSSLSigner(OpenSSLConfig{Binary: filepath.Join(work, "does-not-exist"), TempDir: work})

	_, err := s.Sign(context.Background(), []byte("{}"), material())
	assert.ErrorIs(t, err, apperr.E(apperr.SigningFailed))
	assertEmptyDir(t, work)
}

func TestOpenSSLSignerRequiresMaterial(t *testing.T) {
	s := NewOpenSSLSigner(OpenSSLConfig{})
	_, err := s.Sign(context.Background(), []byte("{}"), nil)
	assert.ErrorIs(t, err, apperr.E(apperr.CredentialsMissing))
}

// TestOpenSSLSignerRealBinary signs with the system openssl when available.
func TestOpenSSLSignerRealBinary(t *testing.T) {
	bin, err := exec.LookPath("openssl")
	if err != nil {
		t.Skip("openssl not installed")
	}
	key := testutil.RSAKey(t)
	m := &credentials.AppleMaterial{
		PassTypeID: "pass.com.example.loyalty",
		TeamID:     "TEAM123",
		CertPEM:    testutil.SelfSignedCertPEM(t, key, "signer"),
		KeyPEM:     testutil.PKCS1PEM(key),
		WWDRPEM:    testutil.SelfSignedCertPEM(t, key, "wwdr"),
	}
	work := t.TempDir()
	s := NewOpenSSLSigner(OpenSSLConfig{Binary: bin, TempDir: work})

	sig, err := s.Sign(context.Background(), []byte(`{"pass.json":"00"}`), m)
	require.NoError(t, err)
	// DER SEQUENCE
	assert.Equal(t, byte(0x30), sig[0])
	assertEmptyDir(t, work)
}
