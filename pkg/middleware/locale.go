package middleware

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
)

const LocaleCookie = "locale"

type localeKey struct{}

// Locale resolves the request locale from the locale cookie, then
// Accept-Language, then the default. It never rejects a request.
type Locale struct {
	supported []language.Tag
	names     []string
	matcher   language.Matcher
	fallback  string
}

// NewLocale builds the resolver. Unparseable entries are skipped; the
// default is always supported.
func NewLocale(def string, supported []string) *Locale {
	l := &Locale{}
	seen := map[string]bool{}
	for _, s := range append([]string{def}, supported...) {
		tag, err := language.Parse(s)
		if err != nil {
			continue
		}
		name := tag.String()
		if seen[name] {
			continue
		}
		seen[name] = true
		l.supported = append(l.supported, tag)
		l.names = append(l.names, name)
	}
	if len(l.supported) == 0 {
		l.supported = []language.Tag{language.Indonesian}
		l.names = []string{language.Indonesian.String()}
	}
	l.fallback = l.names[0]
	l.matcher = language.NewMatcher(l.supported)
	return l
}

func (l *Locale) Resolve(r *http.Request) string {
	if c, err := r.Cookie(LocaleCookie); err == nil {
		if tag, err := language.Parse(c.Value); err == nil {
			for i, s := range l.supported {
				if s == tag {
					return l.names[i]
				}
			}
		}
	}

	if accept := r.Header.Get("Accept-Language"); accept != "" {
		tags, _, err := language.ParseAcceptLanguage(accept)
		if err == nil && len(tags) > 0 {
			_, idx, conf := l.matcher.Match(tags...)
			if conf != language.No {
				return l.names[idx]
			}
		}
	}
	return l.fallback
}

func (l *Locale) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), localeKey{}, l.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LocaleFromContext(ctx context.Context) string {
	loc, _ := ctx.Value(localeKey{}).(string)
	return loc
}
