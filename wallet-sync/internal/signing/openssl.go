package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
)

const (
	defaultOpenSSLTimeout = 10 * time.Second
	passwordEnv           = "WALLET_PASS_KEY_PASSWORD"
)

type OpenSSLConfig struct {
	// Binary defaults to "openssl" resolved from PATH.
	Binary  string
	Timeout time.Duration
	// TempDir is the parent for per-call work directories; empty means os.TempDir.
	TempDir string
	Logger  *logrus.Entry
}

// OpenSSLSigner shells out to `openssl smime`. Each call writes its inputs to a
// private directory that is removed before Sign returns.
type OpenSSLSigner struct {
	binary  string
	timeout time.Duration
	tempDir string
	log     *logrus.Entry
}

func NewOpenSSLSigner(cfg OpenSSLConfig) *OpenSSLSigner {
	binary := cfg.Binary
	if binary == "" {
		binary = "openssl"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenSSLTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OpenSSLSigner{
		binary:  binary,
		timeout: timeout,
		tempDir: cfg.TempDir,
		log:     log.WithField("signer", "openssl"),
	}
}

func (s *OpenSSLSigner) Sign(ctx context.Context, manifest []byte, material *credentials.AppleMaterial) ([]byte, error) {
	const op = "openssl sign"
	if material == nil {
		return nil, apperr.Newf(apperr.CredentialsMissing, op, "no signing material")
	}
	if len(manifest) == 0 {
		return nil, apperr.Newf(apperr.SigningFailed, op, "manifest is empty")
	}

	dir, err := os.MkdirTemp(s.tempDir, "passsign-")
	if err != nil {
		return nil, apperr.New(apperr.SigningFailed, op, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.log.WithError(rmErr).Warn("failed to remove signing work dir")
		}
	}()

	paths := map[string][]byte{
		"manifest.json": manifest,
		"signer.pem":    material.CertPEM,
		"signer.key":    material.KeyPEM,
		"wwdr.pem":      material.WWDRPEM,
	}
	for name, data := range paths {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return nil, apperr.New(apperr.SigningFailed, op, fmt.Errorf("write %s: %w", name, err))
		}
	}
	out := filepath.Join(dir, "signature")

	args := []string{
		"smime", "-binary", "-sign",
		"-certfile", filepath.Join(dir, "wwdr.pem"),
		"-signer", filepath.Join(dir, "signer.pem"),
		"-inkey", filepath.Join(dir, "signer.key"),
		"-in", filepath.Join(dir, "manifest.json"),
		"-out", out,
		"-outform", "DER",
	}
	env := os.Environ()
	if material.KeyPassword != "" {
		args = append(args, "-passin", "env:"+passwordEnv)
		env = append(env, passwordEnv+"="+material.KeyPassword)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, s.binary, args...)
	cmd.Env = env
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, apperr.New(apperr.Timeout, op, ctxErr)
			}
			return nil, apperr.New(apperr.SigningFailed, op, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, apperr.New(apperr.SigningFailed, op, err)
	}

	sig, err := os.ReadFile(out)
	if err != nil {
		return nil, apperr.New(apperr.SigningFailed, op, fmt.Errorf("read signature: %w", err))
	}
	if len(sig) == 0 {
		return nil, apperr.Newf(apperr.SigningFailed, op, "openssl produced an empty signature")
	}
	return sig, nil
}
