package offgrid

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Destination is the kind of resource a request asks for, as browsers report
// it in the Sec-Fetch-Dest header.
type Destination string

const (
	DestEmpty    Destination = ""
	DestDocument Destination = "document"
	DestImage    Destination = "image"
	DestStyle    Destination = "style"
	DestScript   Destination = "script"
	DestFont     Destination = "font"
	DestManifest Destination = "manifest"
)

const (
	headerFetchDest = "Sec-Fetch-Dest"
	headerFetchMode = "Sec-Fetch-Mode"
)

var extDestinations = map[string]Destination{
	".html":        DestDocument,
	".htm":         DestDocument,
	".png":         DestImage,
	".jpg":         DestImage,
	".jpeg":        DestImage,
	".gif":         DestImage,
	".webp":        DestImage,
	".avif":        DestImage,
	".svg":         DestImage,
	".ico":         DestImage,
	".css":         DestStyle,
	".js":          DestScript,
	".mjs":         DestScript,
	".woff":        DestFont,
	".woff2":       DestFont,
	".ttf":         DestFont,
	".otf":         DestFont,
	".webmanifest": DestManifest,
}

// DestinationOf classifies req: the Sec-Fetch-Dest header when present,
// otherwise the extension of the URL path.
func DestinationOf(req *http.Request) Destination {
	if d := req.Header.Get(headerFetchDest); d != "" && d != "empty" {
		return Destination(strings.ToLower(d))
	}
	return destinationForPath(req.URL.Path)
}

func destinationForPath(p string) Destination {
	return extDestinations[strings.ToLower(path.Ext(p))]
}

// IsNavigation reports whether req loads a top-level page. Browsers say so
// with Sec-Fetch-Mode; plain clients are treated as navigating when they ask
// for HTML with GET and nothing in the URL says otherwise.
func IsNavigation(req *http.Request) bool {
	if m := req.Header.Get(headerFetchMode); m != "" {
		return strings.EqualFold(m, "navigate")
	}
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	d := DestinationOf(req)
	if d != DestEmpty && d != DestDocument {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// WithDestination returns a shallow copy of req tagged with d.
func WithDestination(req *http.Request, d Destination) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set(headerFetchDest, string(d))
	return out
}

// WithNavigate returns a shallow copy of req marked as a page navigation.
func WithNavigate(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set(headerFetchMode, "navigate")
	out.Header.Set(headerFetchDest, string(DestDocument))
	return out
}

// cacheURL is the request identity used for cache keys: the absolute URL
// without its fragment.
func cacheURL(u *url.URL) string {
	if u.Fragment == "" && u.RawFragment == "" {
		return u.String()
	}
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return cp.String()
}

// sameOriginURL resolves p against the origin of base.
func sameOriginURL(base *url.URL, p string) *url.URL {
	return base.ResolveReference(&url.URL{Path: p})
}
