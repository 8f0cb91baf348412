package probe

import "net/http"

// HTTPCode is the tier and call code recorded for served requests.
const HTTPCode = "http"

// Middleware times every request into the http tier and counts it.
// Either probe may be nil.
func Middleware(tiers *Tiers, counts *CallCounter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if counts != nil {
				counts.Sample(HTTPCode)
			}
			if tiers == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := tiers.opts.Clock.Now()
			defer func() { tiers.Sample(HTTPCode, tiers.opts.Clock.Since(start)) }()
			next.ServeHTTP(w, r)
		})
	}
}
