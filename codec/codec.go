// Package codec translates between the tracker's compact wire keys and the
// canonical field names used by the ingestion pipeline.
package codec

// fieldMap maps canonical names to their wire keys.
// Every wire key is unique so the table can be inverted.
var fieldMap = map[string]string{
	"payload":      "p",
	"type":         "t",
	"timestamp":    "ts",
	"sequentialId": "sid",
	"url":          "url",
	"orientation":  "o",
	"siteHeight":   "h",
	"scrollDepth":  "sd",
	"data":         "d",
	"width":        "w",

	"fingerprint": "fp",
	"isBot":       "b",
	"tabId":       "tb",
	"incognito":   "i",
	"lang":        "l",
	"cookies":     "c",

	"screen":   "s",
	"viewport": "v",

	"rule":    "r",
	"path":    "pa",
	"tag":     "tg",
	"text":    "txt",
	"element": "el",

	"rage":       "ra",
	"hesitation": "he",
	"key":        "k",
	"code":       "co",
	"meta":       "me",

	"visualData": "vd",

	"props":     "pr",
	"userAgent": "ua",
	"referrer":  "re",
}

var wireMap = invert(fieldMap)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Expand returns a copy of compact with wire keys replaced by canonical names.
// Unknown keys are copied unchanged.
func Expand(compact map[string]any) map[string]any {
	return rename(compact, wireMap)
}

// Compact is the inverse of Expand.
func Compact(expanded map[string]any) map[string]any {
	return rename(expanded, fieldMap)
}

// Canonical returns the canonical name for a wire key, or the key itself.
func Canonical(wireKey string) string {
	if name, ok := wireMap[wireKey]; ok {
		return name
	}
	return wireKey
}

// Wire returns the wire key for a canonical name, or the name itself.
func Wire(name string) string {
	if key, ok := fieldMap[name]; ok {
		return key
	}
	return name
}

func rename(in map[string]any, table map[string]string) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if mapped, ok := table[k]; ok {
			k = mapped
		}
		out[k] = v
	}
	return out
}
