package websub

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Entry is one video announced by a hub notification.
type Entry struct {
	VideoID     string
	ChannelID   string
	Title       string
	URL         string
	PublishedAt *time.Time
}

// ParseNotification reads the Atom body of a notification. Entries without a video id,
// such as deletion tombstones, are skipped.
func ParseNotification(body []byte) ([]Entry, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse notification: %w", err)
	}
	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		videoID := ytValue(item.Extensions, "videoId")
		if videoID == "" {
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		entries = append(entries, Entry{
			VideoID:     videoID,
			ChannelID:   ytValue(item.Extensions, "channelId"),
			Title:       item.Title,
			URL:         item.Link,
			PublishedAt: published,
		})
	}
	return entries, nil
}

func ytValue(exts ext.Extensions, name string) string {
	for _, e := range exts["yt"][name] {
		if e.Value != "" {
			return e.Value
		}
	}
	return ""
}
