// Package canonicalize produces JSON Canonicalization Scheme (RFC 8785)
// digests. policyengine.PolicySet uses it to fingerprint its loaded policy
// text and schema, so cachemgr.Manager can detect drift between a cache's
// view of a store and what the repository currently holds.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Hash marshals v to JSON, canonicalizes it per JCS, and returns the
// lower-hex SHA-256 digest prefixed "sha256:".
func Hash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return HashJSON(raw)
}

// HashJSON canonicalizes an already-marshaled JSON document and returns its
// digest.
func HashJSON(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
