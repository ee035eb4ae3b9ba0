package storage

import "testing"

func TestAvatarExtension(t *testing.T) {
	tests := []struct {
		ct   string
		ext  string
		want bool
	}{
		{"image/png", ".png", true},
		{"IMAGE/JPEG; charset=binary", ".jpg", true},
		{"image/svg+xml", "", false},
		{"application/pdf", "", false},
	}
	for _, tc := range tests {
		ext, ok := AvatarExtension(tc.ct)
		if ok != tc.want || ext != tc.ext {
			t.Errorf("AvatarExtension(%q) = %q, %v", tc.ct, ext, ok)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := AvatarKey("u1", "abc", ".png"); got != "avatars/u1/abc.png" {
		t.Errorf("AvatarKey = %q", got)
	}
	if got := MetadataKey("videos", "dQw4w9WgXcQ"); got != "metadata/videos/dQw4w9WgXcQ.json" {
		t.Errorf("MetadataKey = %q", got)
	}
	if got := MetadataKey("channels", "@some/handle"); got != "metadata/channels/@some%2Fhandle.json" {
		t.Errorf("MetadataKey escaping = %q", got)
	}
}
