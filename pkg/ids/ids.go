// Package ids generates time-ordered opaque identifiers with prefix tags.
//
// An ID has the form <prefix>_<12 hex chars><14 base-62 chars>. The hex field
// packs the millisecond clock with a per-millisecond counter, so IDs created
// by the same process sort in creation order (ascending) or reverse creation
// order (descending). External consumers must treat IDs as opaque strings.
package ids

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Prefixes for the entity kinds the runtime generates IDs for.
const (
	PrefixSession = "ses"
	PrefixMessage = "msg"
	PrefixPart    = "prt"
	PrefixEvent   = "evt"
	PrefixTask    = "tsk"
)

const (
	counterBits = 12
	counterMask = (1 << counterBits) - 1
	// The combined timestamp+counter value is kept in the low 48 bits so it
	// encodes as exactly 12 hex characters.
	combinedMask = (uint64(1) << 48) - 1
	suffixLen    = 14
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	mu      sync.Mutex
	lastMs  int64
	counter uint64
)

// Ascending returns a new ID whose lexicographic order matches creation order.
func Ascending(prefix string) string { return generate(prefix, false) }

// Descending returns a new ID whose lexicographic order reverses creation
// order. Used for sessions so the newest sorts first in list views.
func Descending(prefix string) string { return generate(prefix, true) }

func generate(prefix string, descending bool) string {
	mu.Lock()
	now := time.Now().UnixMilli()
	if now != lastMs {
		lastMs = now
		counter = 0
	} else {
		counter++
	}
	combined := (uint64(now)<<counterBits | (counter & counterMask)) & combinedMask
	mu.Unlock()

	if descending {
		combined = ^combined & combinedMask
	}

	return fmt.Sprintf("%s_%012x%s", prefix, combined, randomSuffix())
}

func randomSuffix() string {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// clock so ID generation cannot panic.
		for i := range buf {
			buf[i] = byte(time.Now().UnixNano() >> (i * 4))
		}
	}
	out := make([]byte, suffixLen)
	for i, b := range buf {
		out[i] = base62[int(b)%len(base62)]
	}
	return string(out)
}

// Valid reports whether id carries the given prefix tag. It checks the prefix
// only; the remainder is opaque.
func Valid(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// Timestamp extracts the embedded millisecond clock from an ascending ID.
// The result is truncated to the 36 bits the encoding retains; it is defined
// only for ascending IDs.
func Timestamp(id string) (int64, error) {
	idx := strings.IndexByte(id, '_')
	if idx < 0 || len(id) < idx+1+12 {
		return 0, fmt.Errorf("ids: malformed id %q", id)
	}
	combined, err := strconv.ParseUint(id[idx+1:idx+13], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("ids: malformed id %q: %w", id, err)
	}
	return int64(combined >> counterBits), nil
}
