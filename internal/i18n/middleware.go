package i18n

import "net/http"

// Middleware injects a localizer into every request context. The "lang"
// query parameter or Accept-Language header overrides the server default.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := defaultLang
			if q := r.URL.Query().Get("lang"); q != "" {
				lang = q
			} else if h := r.Header.Get("Accept-Language"); h != "" {
				lang = h
			}
			ctx := WithLocalizer(r.Context(), NewLocalizer(lang))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
