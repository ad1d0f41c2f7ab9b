// Package idgen generates the opaque identifiers used throughout the room
// orchestrator: room codes, player ids, and run ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// alphabet excludes visually confusable characters (0/O, 1/I) so codes read
// back cleanly over voice or a whiteboard.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	roomCodeLength = 8
	playerIDLength = 10
	runIDLength    = 10
)

// token returns a random string of length n drawn from alphabet.
func token(n int) string {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform's entropy source is
			// broken; there is no safe fallback for identifier generation.
			panic(fmt.Sprintf("idgen: crypto/rand unavailable: %v", err))
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String()
}

// NewRoomCode returns a fresh, un-prefixed room code candidate, e.g.
// "R7K2M9QX". Callers are responsible for collision-retry against the
// registry and for the "room_" storage prefix.
func NewRoomCode() string {
	return token(roomCodeLength)
}

// NewPlayerID returns a fresh "player_<10>" identifier.
func NewPlayerID() string {
	return "player_" + token(playerIDLength)
}

// NewRunID returns a fresh "run_<10>" identifier.
func NewRunID() string {
	return "run_" + token(runIDLength)
}

// NormalizeRoomCode upper-cases and strips a "room_" / "ROOM_" prefix if
// present, so "abc123", "ROOM_abc123", and "room_ABC123" all resolve to the
// same storage key "ABC123".
func NormalizeRoomCode(input string) string {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return raw
	}
	if idx := strings.Index(raw, "_"); idx >= 0 {
		prefix := strings.ToLower(raw[:idx])
		if prefix == "room" {
			return strings.ToUpper(raw[idx+1:])
		}
	}
	return strings.ToUpper(raw)
}

// RoomStorageKey returns the canonical "room_<CODE>" key for a normalized
// room code.
func RoomStorageKey(code string) string {
	return "room_" + NormalizeRoomCode(code)
}
