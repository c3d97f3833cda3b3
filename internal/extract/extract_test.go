package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	accountID = "0f1e2d3c-4b5a-4968-8776-655443322110"
	imageID   = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"
)

func TestIsUUID(t *testing.T) {
	assert.True(t, IsUUID(imageID))
	assert.True(t, IsUUID("  "+imageID+" "))
	assert.False(t, IsUUID("not-a-uuid"))
	assert.False(t, IsUUID(imageID+"0"))
	assert.False(t, IsUUID(""))
}

func TestUUID(t *testing.T) {
	assert.Equal(t, imageID, UUID("post/"+imageID+"?x=1"))
	assert.Equal(t, imageID, UUID("POST/A1B2C3D4-E5F6-4A7B-8C9D-0E1F2A3B4C5D"))
	assert.Empty(t, UUID("nothing here"))
}

func TestUUIDsAndLastUUID(t *testing.T) {
	s := "users/" + accountID + "/generated/" + imageID + "/image.jpg " + imageID
	assert.Equal(t, []string{accountID, imageID}, UUIDs(s))
	assert.Equal(t, imageID, LastUUID(s))
	assert.Empty(t, LastUUID("none"))
}

func TestURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a.png", URL("see https://example.com/a.png, then"))
	assert.Empty(t, URL("no url"))
}

func TestAssetURL(t *testing.T) {
	abs := "https://assets.example.com/users/" + accountID + "/generated/" + imageID + "/image.jpg"
	assert.Equal(t, abs, AssetURL(abs+"  animate this"))
	assert.Equal(t, "users/"+accountID+"/x.mp4", AssetURL("video at users/"+accountID+"/x.mp4"))
	assert.Empty(t, AssetURL("https://example.com/other"))
}

func TestAccountAndImageFromAssetURL(t *testing.T) {
	raw := "https://assets.example.com/users/" + accountID + "/generated/" + imageID + "/image.jpg"
	assert.Equal(t, accountID, AccountFromAssetURL(raw))
	assert.Equal(t, imageID, ImageFromAssetURL(raw))

	assert.Empty(t, AccountFromAssetURL("https://assets.example.com/users/bob/x"))
	assert.Empty(t, ImageFromAssetURL("https://assets.example.com/users/"+accountID+"/x"))
}

func TestNormalizeAssetURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"relative", "users/abc/video.mp4", "https://assets.example.com/users/abc/video.mp4"},
		{"leading slash", "/users/abc/video.mp4", "https://assets.example.com/users/abc/video.mp4"},
		{"absolute", "https://cdn.example.com/v.mp4", "https://cdn.example.com/v.mp4"},
		{"protocol relative", "//cdn.example.com/v.mp4", "https://cdn.example.com/v.mp4"},
		{"other relative", "v1", "v1"},
		{"empty", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAssetURL(tt.in, "assets.example.com"))
		})
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name   string
		json   string
		want   int
		wantOK bool
	}{
		{"integer", `{"p":42}`, 42, true},
		{"fraction", `{"p":0.42}`, 42, true},
		{"one is one percent", `{"p":1}`, 1, true},
		{"percent string", `{"p":"75%"}`, 75, true},
		{"numeric string", `{"p":" 60 "}`, 60, true},
		{"fraction string", `{"p":"0.5"}`, 50, true},
		{"nested progress", `{"p":{"progress":30}}`, 30, true},
		{"nested value", `{"p":{"value":"90%"}}`, 90, true},
		{"clamped high", `{"p":250}`, 100, true},
		{"clamped low", `{"p":-3}`, 0, true},
		{"rounded", `{"p":99.6}`, 100, true},
		{"word", `{"p":"soon"}`, 0, false},
		{"bool", `{"p":true}`, 0, false},
		{"null", `{"p":null}`, 0, false},
		{"array", `{"p":[1]}`, 0, false},
		{"empty object", `{"p":{}}`, 0, false},
		{"missing", `{}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Progress(gjson.Get(tt.json, "p"))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestChain_ResolvePriority(t *testing.T) {
	doc := gjson.Parse(`{"a":"not-a-uuid","b":"` + imageID + `","c":"` + accountID + `"}`)
	chain := Chain[string]{UUIDAt("a"), UUIDAt("b"), UUIDAt("c")}

	got, rule, ok := chain.Resolve(doc)
	require.True(t, ok)
	assert.Equal(t, imageID, got)
	assert.Equal(t, "b", rule)

	_, _, ok = Chain[string]{UUIDAt("missing")}.Resolve(doc)
	assert.False(t, ok)
}

func TestStringAtAndObjectAt(t *testing.T) {
	doc := gjson.Parse(`{"s":"  hi ","blank":"  ","o":{"k":1},"n":3}`)

	v, ok := StringAt("s").Extract(doc)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)

	_, ok = StringAt("blank").Extract(doc)
	assert.False(t, ok)
	_, ok = StringAt("n").Extract(doc)
	assert.False(t, ok)

	obj, ok := ObjectAt("o").Extract(doc)
	assert.True(t, ok)
	assert.Equal(t, int64(1), obj.Get("k").Int())
	_, ok = ObjectAt("s").Extract(doc)
	assert.False(t, ok)
}
