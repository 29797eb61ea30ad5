package playback

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/datallboy/gohls/internal/cache"
	"github.com/datallboy/gohls/internal/domain"
)

// LocalPlaylistName is the file written next to the cached segments.
const LocalPlaylistName = "local.m3u8"

// BuildPlaylist renders an EVENT playlist over segments, which must be the
// contiguous cached prefix in index order. Entries reference cache files by base name.
func BuildPlaylist(segments []*domain.Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segments)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")

	for _, seg := range segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(filepath.Base(seg.CachePath))
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// ContiguousPrefix returns segments[0:n] where n is the first index not yet cached.
func ContiguousPrefix(segments []*domain.Segment, cached []bool) []*domain.Segment {
	n := 0
	for n < len(segments) && n < len(cached) && cached[n] {
		n++
	}
	return segments[:n]
}

// WriteLocalPlaylist atomically replaces dir/local.m3u8.
func WriteLocalPlaylist(dir string, segments []*domain.Segment, ended bool) (string, error) {
	path := filepath.Join(dir, LocalPlaylistName)
	if err := cache.Put(path, []byte(BuildPlaylist(segments, ended))); err != nil {
		return "", fmt.Errorf("write local playlist: %w", err)
	}
	return path, nil
}

func targetDuration(segments []*domain.Segment) int {
	longest := 0.0
	for _, seg := range segments {
		longest = max(longest, seg.Duration)
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
