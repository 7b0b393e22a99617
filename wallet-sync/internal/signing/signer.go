// Package signing produces the detached PKCS#7 signature over a bundle manifest.
package signing

import (
	"context"

	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
)

// Signer signs manifest bytes with the supplied material and returns a DER
// encoded detached signature.
type Signer interface {
	Sign(ctx context.Context, manifest []byte, material *credentials.AppleMaterial) ([]byte, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, manifest []byte, material *credentials.AppleMaterial) ([]byte, error)

func (f SignerFunc) Sign(ctx context.Context, manifest []byte, material *credentials.AppleMaterial) ([]byte, error) {
	return f(ctx, manifest, material)
}
