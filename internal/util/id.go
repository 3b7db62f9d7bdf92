// Package util holds identifier helpers shared by the metadata packages.
package util

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var roomEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewID returns a random v4 id without dashes, prefixed with "<prefix>_" when
// a prefix is given.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewRoomID returns a 24 character lowercase id that is safe in URLs and
// object keys, always starting with a letter.
func NewRoomID() string {
	bytes := make([]byte, 15)
	_, _ = rand.Read(bytes)
	id := roomEncoding.EncodeToString(bytes)
	if id[0] >= '2' && id[0] <= '7' {
		id = "r" + id[1:]
	}
	return strings.ToLower(id)
}
