// Package idgen provides prefixed, K-sortable ID generation.
//
// IDs are TypeIDs ("cli_01h2xcejqtf2nbrexx3vqjhp41"): a lowercase entity
// prefix followed by a base32-encoded UUIDv7, so they sort by creation time.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Entity prefixes.
const (
	PrefixUser    = "usr"
	PrefixClient  = "cli"
	PrefixAgent   = "agt"
	PrefixJob     = "job"
	PrefixUsage   = "use"
	PrefixWebhook = "wh"
	PrefixEvent   = "evt"
)

// New generates an ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("idgen: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// HasPrefix reports whether id is a well-formed TypeID carrying prefix.
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix+"_") {
		return false
	}
	tid, err := typeid.Parse(id)
	if err != nil {
		return false
	}
	return tid.Prefix() == prefix
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
