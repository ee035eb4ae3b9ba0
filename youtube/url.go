// Package youtube classifies YouTube URLs, fetches their metadata and stores
// the resulting videos, channels and playlists.
package youtube

import (
	"errors"
	"net/url"
	"strings"
)

// Kind names an item type. Its value is also the table name.
type Kind string

const (
	KindVideo    Kind = "videos"
	KindChannel  Kind = "channels"
	KindPlaylist Kind = "playlists"
)

// ParseKind accepts the plural table names used in routes.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindVideo, KindChannel, KindPlaylist:
		return Kind(s), true
	}
	return "", false
}

// ChannelLookup says how a channel reference identifies the channel.
type ChannelLookup string

const (
	LookupID       ChannelLookup = "id"
	LookupHandle   ChannelLookup = "handle"
	LookupUsername ChannelLookup = "username"
	LookupCustom   ChannelLookup = "custom"
)

var ErrUnsupportedURL = errors.New("unsupported url")

// Ref is a classified URL.
type Ref struct {
	Kind   Kind
	ID     string
	Lookup ChannelLookup
	URL    string
}

var hosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
	"www.youtu.be":      true,
}

// Classify works out what a YouTube URL points at.
func Classify(raw string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Ref{}, ErrUnsupportedURL
	}
	host := strings.ToLower(u.Hostname())
	if !hosts[host] {
		return Ref{}, ErrUnsupportedURL
	}
	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	ref := Ref{URL: raw}

	if strings.HasSuffix(host, "youtu.be") {
		if len(segs) != 1 {
			return Ref{}, ErrUnsupportedURL
		}
		ref.Kind, ref.ID = KindVideo, segs[0]
		return ref, nil
	}

	switch {
	case len(segs) == 1 && segs[0] == "watch":
		ref.Kind, ref.ID = KindVideo, u.Query().Get("v")
	case len(segs) == 1 && segs[0] == "playlist":
		ref.Kind, ref.ID = KindPlaylist, u.Query().Get("list")
	case len(segs) >= 2 && (segs[0] == "shorts" || segs[0] == "live" || segs[0] == "embed"):
		ref.Kind, ref.ID = KindVideo, segs[1]
	case len(segs) >= 1 && strings.HasPrefix(segs[0], "@") && len(segs[0]) > 1:
		ref.Kind, ref.ID, ref.Lookup = KindChannel, segs[0], LookupHandle
	case len(segs) >= 2 && segs[0] == "channel":
		ref.Kind, ref.ID, ref.Lookup = KindChannel, segs[1], LookupID
	case len(segs) >= 2 && segs[0] == "user":
		ref.Kind, ref.ID, ref.Lookup = KindChannel, segs[1], LookupUsername
	case len(segs) >= 2 && segs[0] == "c":
		ref.Kind, ref.ID, ref.Lookup = KindChannel, segs[1], LookupCustom
	default:
		return Ref{}, ErrUnsupportedURL
	}
	if ref.ID == "" {
		return Ref{}, ErrUnsupportedURL
	}
	return ref, nil
}
