package logging

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// fingerprintKey domain-separates log fingerprints from any other use
// of BLAKE2b on card data.
var fingerprintKey = []byte("cardwedge log fingerprint v1")

// Fingerprint returns a short stable identifier for a card token, so
// log lines about the same card can be correlated without recording
// the token itself. It is not a secure commitment: card identifiers
// are short enough to brute force.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	h, err := blake2b.New(8, fingerprintKey)
	if err != nil {
		// Only reachable with an invalid size or key length.
		panic(err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
