package domain

import "errors"

// ErrEmptyPlaylist indicates the manifest could not be parsed or listed no segments
var ErrEmptyPlaylist = errors.New("playlist has no segments")

// ErrUnsupportedCipher indicates an EXT-X-KEY method other than AES-128 (CBC)
var ErrUnsupportedCipher = errors.New("unsupported encryption method")

// ErrKeyFetch indicates the decryption key could not be retrieved
var ErrKeyFetch = errors.New("failed to fetch decryption key")

// ErrSegmentsFailed indicates at least one segment exhausted its retries
var ErrSegmentsFailed = errors.New("one or more segments failed permanently")

// ErrNoMergeOutput indicates neither the transcoder nor raw concatenation produced a file
var ErrNoMergeOutput = errors.New("merge produced no output")

// ErrPoolClosed is delivered to callbacks of tasks still queued when a pool closes
var ErrPoolClosed = errors.New("worker pool closed")

// ErrUnitCrashed is delivered when a pool unit panics while holding a task
var ErrUnitCrashed = errors.New("worker unit crashed")

// ErrJobNotFound indicates no job exists for the requested URL
var ErrJobNotFound = errors.New("job not found")
