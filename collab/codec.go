package collab

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Core Deterministic Encoding (RFC 8949 4.2): the same tree always produces the same bytes
var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("collab: CBOR encoder initialization failed: " + err.Error())
	}
}

type Fingerprint [32]byte

func (self Fingerprint) String() string {
	return hex.EncodeToString(self[0:8])
}

func CanonicalTreeBytes(nodes []*TreeNode) ([]byte, error) {
	if nodes == nil {
		nodes = []*TreeNode{}
	}
	return canonicalEncMode.Marshal(nodes)
}

func TreeFingerprint(nodes []*TreeNode) (Fingerprint, error) {
	b, err := CanonicalTreeBytes(nodes)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint(blake3.Sum256(b)), nil
}
