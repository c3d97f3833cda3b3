package merge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxListingLine = 4 * 1024 * 1024

var (
	ErrEmptyListing     = errors.New("no posts found in listing")
	ErrUnsupportedInput = errors.New("unsupported listing format")
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// UnmarshalJSON accepts both short forms and MEDIA_POST_TYPE_* enums.
func (m *MediaType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*m = ""
		return nil
	}
	*m = ParseMediaType(s)
	return nil
}

func ParseMediaType(s string) MediaType {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "video"):
		return MediaVideo
	case strings.Contains(lower, "image"):
		return MediaImage
	default:
		return ""
	}
}

// Resolution is either a string such as "720p" or a {width,height} object,
// which is rendered as "WxH".
type Resolution string

func (r *Resolution) UnmarshalJSON(data []byte) error {
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.String:
		*r = Resolution(strings.TrimSpace(v.String()))
	case v.IsObject():
		w, h := v.Get("width").Int(), v.Get("height").Int()
		if w > 0 && h > 0 {
			*r = Resolution(fmt.Sprintf("%dx%d", w, h))
		}
	}
	return nil
}

// Timestamp parses RFC 3339 strings and unix seconds or milliseconds.
// Anything else decodes to the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	v := gjson.ParseBytes(data)
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = unixGuess(n)
		}
	case gjson.Number:
		t.Time = unixGuess(v.Int())
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func unixGuess(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Video is a video sub-record of a listing post.
type Video struct {
	ID             string     `json:"id"`
	OriginalPostID string     `json:"originalPostId,omitempty"`
	MediaType      MediaType  `json:"mediaType,omitempty"`
	MediaURL       string     `json:"mediaUrl,omitempty"`
	HDMediaURL     string     `json:"hdMediaUrl,omitempty"`
	ThumbnailURL   string     `json:"thumbnailImageUrl,omitempty"`
	Prompt         string     `json:"prompt,omitempty"`
	OriginalPrompt string     `json:"originalPrompt,omitempty"`
	ModelName      string     `json:"modelName,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
	CreateTime     Timestamp  `json:"createTime"`
	AudioURLs      []string   `json:"audioUrls,omitempty"`
}

// Post is one record of the bulk listing: an image post with its child
// videos, or a standalone video post pointing at its parent image.
type Post struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId,omitempty"`
	MediaType      MediaType  `json:"mediaType,omitempty"`
	MediaURL       string     `json:"mediaUrl,omitempty"`
	HDMediaURL     string     `json:"hdMediaUrl,omitempty"`
	ThumbnailURL   string     `json:"thumbnailImageUrl,omitempty"`
	Prompt         string     `json:"prompt,omitempty"`
	OriginalPrompt string     `json:"originalPrompt,omitempty"`
	OriginalPostID string     `json:"originalPostId,omitempty"`
	CreateTime     Timestamp  `json:"createTime"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ModelName      string     `json:"modelName,omitempty"`
	ChildPosts     []Video    `json:"childPosts,omitempty"`
	Videos         []Video    `json:"videos,omitempty"`
	AudioURLs      []string   `json:"audioUrls,omitempty"`
}

// IsVideo reports whether the post is a standalone video post.
func (p Post) IsVideo() bool {
	if p.MediaType != "" {
		return p.MediaType == MediaVideo
	}
	return p.OriginalPostID != "" && p.OriginalPostID != p.ID
}

// asVideo converts a standalone video post into its video sub-record.
func (p Post) asVideo() Video {
	return Video{
		ID:             p.ID,
		OriginalPostID: p.OriginalPostID,
		MediaType:      MediaVideo,
		MediaURL:       p.MediaURL,
		HDMediaURL:     p.HDMediaURL,
		ThumbnailURL:   p.ThumbnailURL,
		Prompt:         p.Prompt,
		OriginalPrompt: p.OriginalPrompt,
		ModelName:      p.ModelName,
		Resolution:     p.Resolution,
		CreateTime:     p.CreateTime,
		AudioURLs:      p.AudioURLs,
	}
}

// ParseFile reads a listing from disk. .jsonl and .ndjson files are read
// line by line; anything else is sniffed.
func ParseFile(path string) ([]Post, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl", ".ndjson":
		return ParseJSONL(file)
	case ".json", "":
		return Parse(file)
	default:
		return nil, fmt.Errorf("%w %q: use .json, .jsonl or .ndjson", ErrUnsupportedInput, ext)
	}
}

// Parse accepts a JSON array of posts, an object with a posts array (at
// the top level or under data), a single post object, or JSONL.
func Parse(r io.Reader) ([]Post, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read listing: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyListing
	}

	if !gjson.ValidBytes(data) {
		return ParseJSONL(bytes.NewReader(data))
	}

	doc := gjson.ParseBytes(data)
	var raw string
	switch {
	case doc.IsArray():
		raw = doc.Raw
	case doc.Get("posts").IsArray():
		raw = doc.Get("posts").Raw
	case doc.Get("data.posts").IsArray():
		raw = doc.Get("data.posts").Raw
	case doc.IsObject():
		raw = "[" + doc.Raw + "]"
	default:
		return nil, ErrUnsupportedInput
	}

	var posts []Post
	if err := json.Unmarshal([]byte(raw), &posts); err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}
	if len(posts) == 0 {
		return nil, ErrEmptyListing
	}
	return posts, nil
}

// ParseJSONL reads one post per line. Blank lines and # comments are
// skipped.
func ParseJSONL(r io.Reader) ([]Post, error) {
	var posts []Post
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxListingLine)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var p Post
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse post: %w", lineNo, err)
		}
		posts = append(posts, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read listing: %w", err)
	}
	if len(posts) == 0 {
		return nil, ErrEmptyListing
	}
	return posts, nil
}
