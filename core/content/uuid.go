package content

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/multiformats/go-multihash"
)

// RID is the local row id of an artifact. Zero means "none".
type RID int64

func (r RID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// UUID is the 40-character lowercase hex SHA1 digest of an artifact's bytes.
type UUID string

// UUIDLength is the length of a full artifact id.
const UUIDLength = 40

// Short returns the first 10 characters.
func (u UUID) Short() string {
	if len(u) <= 10 {
		return string(u)
	}
	return string(u[:10])
}

// ComputeUUID hashes data into its artifact id.
func ComputeUUID(data []byte) UUID {
	mh, err := multihash.Sum(data, multihash.SHA1, -1)
	if err != nil {
		// SHA1 is always registered; Sum only fails for unknown codes.
		panic(fmt.Sprintf("multihash sha1: %v", err))
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("multihash decode: %v", err))
	}
	return UUID(hex.EncodeToString(decoded.Digest))
}

// ValidUUID reports whether s is a full lowercase hex artifact id.
func ValidUUID(s string) bool {
	if len(s) != UUIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
