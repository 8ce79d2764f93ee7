// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"strconv"
	"time"
)

// SessionID computes a 4-byte hash from a client's remote address and the
// time its connection was accepted. The hash is used solely to tag log
// lines and does not need to be reversible.
func SessionID(remoteAddr string, accepted time.Time) uint32 {
	h := fnv.New32a()
	h.Write([]byte(remoteAddr))
	h.Write([]byte(strconv.FormatInt(accepted.UnixNano(), 10)))
	return h.Sum32()
}
