// Package fingerprint derives dedup keys for requests.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
)

// Fingerprinter maps a request to a deterministic identity. Two requests with
// equal fingerprints are treated as the same resource.
type Fingerprinter interface {
	Fingerprint(req *models.Request) []byte
}

// Func adapts a plain function to Fingerprinter
type Func func(req *models.Request) []byte

func (f Func) Fingerprint(req *models.Request) []byte { return f(req) }

// Default hashes the method, canonical URL and body. Headers are not part of the identity.
var Default Fingerprinter = Func(defaultFingerprint)

func defaultFingerprint(req *models.Request) []byte {
	h := sha1.New()
	h.Write([]byte(req.GetMethod()))
	h.Write([]byte{0})
	canonical, err := ParseAndCanonicalize(req.URL)
	if err != nil {
		canonical = req.URL
	}
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write(req.Body)
	return h.Sum(nil)
}

// Key returns the hex form of a fingerprint, suitable as a map key.
func Key(fp Fingerprinter, req *models.Request) string {
	return hex.EncodeToString(fp.Fingerprint(req))
}
