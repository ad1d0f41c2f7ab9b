package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRoomCode_LengthAndAlphabet(t *testing.T) {
	code := NewRoomCode()
	assert.Len(t, code, roomCodeLength)
	for _, r := range code {
		assert.Contains(t, alphabet, string(r))
	}
}

func TestNewRoomCode_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code := NewRoomCode()
		assert.False(t, seen[code], "unexpected collision in small sample: %s", code)
		seen[code] = true
	}
}

func TestNewPlayerID(t *testing.T) {
	id := NewPlayerID()
	assert.True(t, strings.HasPrefix(id, "player_"))
	assert.Len(t, strings.TrimPrefix(id, "player_"), playerIDLength)
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.True(t, strings.HasPrefix(id, "run_"))
	assert.Len(t, strings.TrimPrefix(id, "run_"), runIDLength)
}

func TestAlphabet_ExcludesConfusables(t *testing.T) {
	for _, c := range []string{"0", "1", "O", "I"} {
		assert.NotContains(t, alphabet, c)
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	cases := map[string]string{
		"abc123":      "ABC123",
		"ROOM_abc123": "ABC123",
		"room_ABC123": "ABC123",
		"  abc123  ":  "ABC123",
		"":            "",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeRoomCode(input), "input=%q", input)
	}
}

func TestRoomStorageKey(t *testing.T) {
	assert.Equal(t, "room_ABC123", RoomStorageKey("abc123"))
	assert.Equal(t, "room_ABC123", RoomStorageKey("room_abc123"))
}
