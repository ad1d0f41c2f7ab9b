package joinurl

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild_NonLoopbackHostPassesThrough(t *testing.T) {
	os.Unsetenv("WIKIRACE_PUBLIC_HOST")
	got := Build("http", "arena.example.com", "8080", "ROOM_ABC12345")
	assert.Equal(t, "http://arena.example.com:8080/?room=ROOM_ABC12345", got)
}

func TestBuild_NoPortOmitsColon(t *testing.T) {
	os.Unsetenv("WIKIRACE_PUBLIC_HOST")
	got := Build("https", "arena.example.com", "", "ROOM_ABC12345")
	assert.Equal(t, "https://arena.example.com/?room=ROOM_ABC12345", got)
}

func TestBuild_LoopbackHostSubstitutesPublicHostOverride(t *testing.T) {
	t.Setenv("WIKIRACE_PUBLIC_HOST", "192.168.1.50")
	got := Build("http", "localhost", "8080", "ROOM_ABC12345")
	assert.Equal(t, "http://192.168.1.50:8080/?room=ROOM_ABC12345", got)
}

func TestBuild_WildcardHostAlsoSubstituted(t *testing.T) {
	t.Setenv("WIKIRACE_PUBLIC_HOST", "192.168.1.50")
	got := Build("http", "0.0.0.0", "8080", "ROOM_ABC12345")
	assert.Equal(t, "http://192.168.1.50:8080/?room=ROOM_ABC12345", got)
}

func TestDetectLANIP_PrefersOverride(t *testing.T) {
	t.Setenv("WIKIRACE_PUBLIC_HOST", "10.0.0.5")
	assert.Equal(t, "10.0.0.5", DetectLANIP())
}

func TestIsUsableIPv4_RejectsLoopbackLinkLocalMulticast(t *testing.T) {
	assert.False(t, isUsableIPv4("127.0.0.1"))
	assert.False(t, isUsableIPv4("169.254.1.1"))
	assert.False(t, isUsableIPv4("224.0.0.1"))
	assert.False(t, isUsableIPv4("0.0.0.0"))
	assert.False(t, isUsableIPv4("not-an-ip"))
	assert.False(t, isUsableIPv4("::1"))
	assert.True(t, isUsableIPv4("192.168.1.50"))
}
