package uploads

import (
	"strings"
	"testing"
)

func TestObjectKeyStableAndSafe(t *testing.T) {
	s := &Service{bucket: "questlog", publicURL: "https://cdn.example.com"}

	key1 := s.objectKey("room-1", "assets/maps/Ruined Keep.png")
	key2 := s.objectKey("room-1", "assets/maps/Ruined Keep.png")
	if key1 != key2 {
		t.Errorf("same source path must map to the same key: %q vs %q", key1, key2)
	}

	if !strings.HasPrefix(key1, "rooms/room-1/images/") {
		t.Errorf("key not scoped to room: %q", key1)
	}
	if strings.Contains(key1, " ") {
		t.Errorf("key contains whitespace: %q", key1)
	}
	if !strings.HasSuffix(key1, ".png") {
		t.Errorf("key lost its extension: %q", key1)
	}

	// Different paths with the same basename must not collide.
	other := s.objectKey("room-1", "other/Ruined Keep.png")
	if other == key1 {
		t.Error("distinct source paths collided on one key")
	}
}

func TestURLFor(t *testing.T) {
	s := &Service{bucket: "questlog", publicURL: "https://cdn.example.com"}
	got := s.URLFor("rooms/r1/images/abc-map.png")
	want := "https://cdn.example.com/questlog/rooms/r1/images/abc-map.png"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("Ruined Keep (final).png"); got != "Ruined-Keep--final-.png" {
		t.Errorf("unexpected sanitized name %q", got)
	}
}
