package correlate

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/manash/gentrack/internal/extract"
)

// Image id sources inside the request payload, highest priority first.
// The account's last image and the page location are consulted by Resolve
// after these, because they depend on the resolved account and the
// request headers.
//
//	1 responseMetadata.modelConfigOverride.modelMap.videoGenModelConfig.parentPostId
//	2 responseMetadata.videoGenModelConfig.parentPostId
//	3 videoGenModelConfig.parentPostId
//	4 parentPostId
//	5 fileAttachments.0
//	6 asset URL embedded in message or attachments
func payloadImage(assetURL string) extract.Chain[string] {
	return extract.Chain[string]{
		extract.UUIDAt("responseMetadata.modelConfigOverride.modelMap.videoGenModelConfig.parentPostId"),
		extract.UUIDAt("responseMetadata.videoGenModelConfig.parentPostId"),
		extract.UUIDAt("videoGenModelConfig.parentPostId"),
		extract.UUIDAt("parentPostId"),
		extract.UUIDAt("fileAttachments.0"),
		extract.Func("assetURL", func(gjson.Result) (string, bool) {
			id := extract.ImageFromAssetURL(assetURL)
			return id, id != ""
		}),
	}
}

// Account id sources inside the request payload, highest priority first.
func accountChain(assetURL string) extract.Chain[string] {
	return extract.Chain[string]{
		extract.UUIDAt("accountId"),
		extract.UUIDAt("userId"),
		extract.UUIDAt("responseMetadata.accountId"),
		extract.Func("assetURL", func(gjson.Result) (string, bool) {
			id := extract.AccountFromAssetURL(assetURL)
			return id, id != ""
		}),
	}
}

// assetURLOf finds the first asset URL in the message, then in any string
// attachment.
func assetURLOf(doc gjson.Result, message string) string {
	if u := extract.AssetURL(message); u != "" {
		return u
	}
	var found string
	doc.Get("fileAttachments").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			found = extract.AssetURL(v.String())
		}
		return found == ""
	})
	return found
}

// pageImage takes the last UUID of the page location, which for post
// pages is the image being viewed.
func pageImage(req *Request) string {
	for _, loc := range []string{req.PageURL, headerValue(req.Header, "Referer")} {
		if id := extract.LastUUID(strings.TrimSpace(loc)); id != "" {
			return id
		}
	}
	return ""
}

func headerValue(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}
