package domain

import (
	"encoding/binary"
	"path/filepath"
)

// Segment is one media chunk of a playlist. Only ByteSize and AttemptsRemaining
// change after creation.
type Segment struct {
	Index             int     `json:"index"`
	Sequence          uint64  `json:"sequence"`
	Duration          float64 `json:"duration"`
	Timeline          float64 `json:"timeline"`
	URI               string  `json:"uri"`
	CachePath         string  `json:"cachePath"`
	ByteSize          int64   `json:"byteSize"`
	AttemptsRemaining int     `json:"attemptsRemaining"`
}

// NewSegment builds a segment whose cache file lives in cacheDir under a hash of uri.
func NewSegment(index int, sequence uint64, uri string, duration, timeline float64, cacheDir string, attempts int) *Segment {
	return &Segment{
		Index:             index,
		Sequence:          sequence,
		Duration:          duration,
		Timeline:          timeline,
		URI:               uri,
		CachePath:         filepath.Join(cacheDir, CacheKey(uri)+".ts"),
		AttemptsRemaining: attempts,
	}
}

// CryptoContext holds the decryption parameters of a playlist.
type CryptoContext struct {
	Method string `json:"method"`
	KeyURI string `json:"keyUri"`
	Key    []byte `json:"-"`
	IV     []byte `json:"iv,omitempty"`
}

// Enabled reports whether segments must be decrypted.
func (c *CryptoContext) Enabled() bool {
	return c != nil && len(c.Key) > 0
}

// IVFor returns the explicit IV or, when the playlist omits it, the media
// sequence number as a 16-byte big-endian value.
func (c *CryptoContext) IVFor(sequence uint64) []byte {
	if len(c.IV) == 16 {
		return c.IV
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return iv
}

// PlaylistInfo is the parse result of one manifest.
type PlaylistInfo struct {
	URL           string         `json:"url"`
	Segments      []*Segment     `json:"segments"`
	TotalDuration float64        `json:"totalDuration"`
	Crypto        *CryptoContext `json:"crypto,omitempty"`
	CacheDir      string         `json:"cacheDir"`
}

func (p *PlaylistInfo) SegmentCount() int {
	return len(p.Segments)
}
