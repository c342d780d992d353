package offgrid

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewHandler serves every request for origin through rt, usually a *Client
// of a Container. Requests keep their fetch metadata headers, so the engine
// classifies them exactly as it would a browser request.
func NewHandler(origin *url.URL, rt http.RoundTripper, log Logger) http.Handler {
	log = coalesce[Logger](log, NopLogger{})
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("proxy error", Fields{"url": r.URL.String(), "err": err})
			resp := OfflineResponse(r)
			for k, v := range resp.Header {
				w.Header()[k] = v
			}
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write([]byte(OfflineBody))
		},
	}
}
