package stream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/lifecycle"
)

// Kind classifies one stream line.
type Kind int

const (
	KindSkip Kind = iota
	KindRecord
	KindMalformed
)

const defaultModerationReason = "moderated by upstream"

// ParseRecord classifies line and, for KindRecord, returns the parsed JSON
// document. Bare JSON objects and SSE "data: <json>" lines are records;
// blank lines, SSE comments, non-data SSE fields and [DONE] are skipped.
func ParseRecord(line string) (gjson.Result, Kind) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, ":") {
		return gjson.Result{}, KindSkip
	}
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		s = strings.TrimSpace(rest)
		if s == "" || s == "[DONE]" {
			return gjson.Result{}, KindSkip
		}
	} else if isSSEField(s) {
		return gjson.Result{}, KindSkip
	}
	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return gjson.Result{}, KindMalformed
	}
	return gjson.Parse(s), KindRecord
}

func isSSEField(s string) bool {
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(s, field) {
			return true
		}
	}
	return false
}

// Nesting depths at which the video generation object may appear, most
// specific first.
var videoObject = extract.Chain[gjson.Result]{
	extract.ObjectAt("result.response.streamingVideoGenerationResponse"),
	extract.ObjectAt("response.streamingVideoGenerationResponse"),
	extract.ObjectAt("streamingVideoGenerationResponse"),
}

var responseID = extract.Chain[string]{
	extract.StringAt("result.response.responseId"),
	extract.StringAt("response.responseId"),
	extract.StringAt("responseId"),
}

// ExtractSignal reads the lifecycle signal out of a parsed record. ok is
// false when the record carries nothing about the video generation.
func ExtractSignal(doc gjson.Result, assetHost string) (lifecycle.Signal, bool) {
	var sig lifecycle.Signal
	sig.ResponseID, _, _ = responseID.Resolve(doc)

	video, _, found := videoObject.Resolve(doc)
	if !found {
		return sig, sig.ResponseID != ""
	}

	if p, ok := extract.Progress(video.Get("progress")); ok {
		sig.Progress = p
		sig.HasProgress = true
	}
	sig.Moderated = video.Get("moderated").Bool()
	if sig.Moderated {
		sig.ModerationReason = firstString(video, "moderationReason", "moderationMessage")
		if sig.ModerationReason == "" {
			sig.ModerationReason = defaultModerationReason
		}
	}
	sig.VideoURL = extract.NormalizeAssetURL(video.Get("videoUrl").String(), assetHost)
	sig.UpscaledVideoURL = extract.NormalizeAssetURL(firstString(video, "upscaledVideoUrl", "hdVideoUrl"), assetHost)
	sig.ThumbnailURL = extract.NormalizeAssetURL(firstString(video, "thumbnailImageUrl", "thumbnailUrl"), assetHost)
	sig.ImageReference = extract.NormalizeAssetURL(video.Get("imageReference").String(), assetHost)
	sig.VideoID = strings.TrimSpace(video.Get("videoId").String())
	sig.Prompt = strings.TrimSpace(video.Get("videoPrompt").String())
	sig.ModelName = strings.TrimSpace(video.Get("modelName").String())
	sig.Mode = strings.TrimSpace(video.Get("mode").String())

	return sig, !sig.Empty()
}

func firstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}
