package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// ErrItemNotFound means the source answered but has no such item. It is
// permanent; retrying will not help.
var ErrItemNotFound = errors.New("youtube item not found")

// Metadata is what a Fetcher learned about a Ref. Raw is the source's
// complete JSON document.
type Metadata struct {
	ExtID string
	Title string
	Raw   json.RawMessage
}

// Fetcher resolves a classified URL into metadata.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) (*Metadata, error)
}

var (
	videoParts    = []string{"snippet", "contentDetails", "statistics"}
	channelParts  = []string{"snippet", "statistics", "brandingSettings"}
	playlistParts = []string{"snippet", "contentDetails"}
)

// DataAPIFetcher reads metadata from the YouTube Data API v3.
type DataAPIFetcher struct {
	Service *yt.Service
}

// NewDataAPIFetcher builds a fetcher authenticated with an API key. Extra
// options (an endpoint override in tests) are appended.
func NewDataAPIFetcher(ctx context.Context, apiKey string, opts ...option.ClientOption) (*DataAPIFetcher, error) {
	if apiKey == "" {
		return nil, errors.New("youtube api key required")
	}
	svc, err := yt.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &DataAPIFetcher{Service: svc}, nil
}

func (f *DataAPIFetcher) Fetch(ctx context.Context, ref Ref) (*Metadata, error) {
	switch ref.Kind {
	case KindVideo:
		resp, err := f.Service.Videos.List(videoParts).Id(ref.ID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("videos.list %s: %w", ref.ID, err)
		}
		if len(resp.Items) == 0 {
			return nil, fmt.Errorf("video %s: %w", ref.ID, ErrItemNotFound)
		}
		v := resp.Items[0]
		var title string
		if v.Snippet != nil {
			title = v.Snippet.Title
		}
		return metadataFrom(v.Id, title, v)
	case KindPlaylist:
		resp, err := f.Service.Playlists.List(playlistParts).Id(ref.ID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("playlists.list %s: %w", ref.ID, err)
		}
		if len(resp.Items) == 0 {
			return nil, fmt.Errorf("playlist %s: %w", ref.ID, ErrItemNotFound)
		}
		p := resp.Items[0]
		var title string
		if p.Snippet != nil {
			title = p.Snippet.Title
		}
		return metadataFrom(p.Id, title, p)
	case KindChannel:
		return f.fetchChannel(ctx, ref)
	}
	return nil, ErrUnsupportedURL
}

func (f *DataAPIFetcher) fetchChannel(ctx context.Context, ref Ref) (*Metadata, error) {
	call := f.Service.Channels.List(channelParts).Context(ctx)
	switch ref.Lookup {
	case LookupUsername:
		call = call.ForUsername(ref.ID)
	case LookupHandle, LookupCustom:
		id, err := f.searchChannel(ctx, strings.TrimPrefix(ref.ID, "@"))
		if err != nil {
			return nil, err
		}
		call = call.Id(id)
	default:
		call = call.Id(ref.ID)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("channels.list %s: %w", ref.ID, err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("channel %s: %w", ref.ID, ErrItemNotFound)
	}
	c := resp.Items[0]
	var title string
	if c.Snippet != nil {
		title = c.Snippet.Title
	}
	return metadataFrom(c.Id, title, c)
}

// searchChannel resolves a handle or custom name to a channel id.
func (f *DataAPIFetcher) searchChannel(ctx context.Context, q string) (string, error) {
	resp, err := f.Service.Search.List([]string{"id"}).Q(q).Type("channel").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("search channel %s: %w", q, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.ChannelId == "" {
		return "", fmt.Errorf("channel %s: %w", q, ErrItemNotFound)
	}
	return resp.Items[0].Id.ChannelId, nil
}

func metadataFrom(id, title string, doc any) (*Metadata, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return &Metadata{ExtID: id, Title: title, Raw: raw}, nil
}

// YTDLPFetcher shells out to yt-dlp, which needs no API key.
type YTDLPFetcher struct {
	Path string
}

func (f *YTDLPFetcher) Fetch(ctx context.Context, ref Ref) (*Metadata, error) {
	path := f.Path
	if path == "" {
		path = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, path, "-J", "--skip-download", "--flat-playlist", "--no-warnings", ref.URL)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Video unavailable") || strings.Contains(msg, "does not exist") {
			return nil, fmt.Errorf("yt-dlp: %s: %w", msg, ErrItemNotFound)
		}
		return nil, fmt.Errorf("yt-dlp: %w: %s", err, msg)
	}
	return parseYTDLP(ref.Kind, out)
}

type ytdlpInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ChannelID string `json:"channel_id"`
	Channel   string `json:"channel"`
}

// parseYTDLP extracts the id and title from a yt-dlp -J document. Channel
// pages report a tab title like "Name - Videos", so channels prefer the
// channel fields.
func parseYTDLP(kind Kind, out []byte) (*Metadata, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}
	md := &Metadata{ExtID: info.ID, Title: info.Title, Raw: json.RawMessage(bytes.TrimSpace(out))}
	if kind == KindChannel {
		if info.ChannelID != "" {
			md.ExtID = info.ChannelID
		}
		if info.Channel != "" {
			md.Title = info.Channel
		}
	}
	if md.ExtID == "" {
		return nil, fmt.Errorf("yt-dlp output has no id: %w", ErrItemNotFound)
	}
	return md, nil
}
