package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amiskov/ppid-edge/pkg/common"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/session"
)

const gatewayErrorMsg = "failed connecting to the API server"

type Options struct {
	// Prefix is cut from the incoming path; the rest is appended to the target.
	Prefix string
	// Timeout bounds the whole exchange, body streaming included.
	Timeout time.Duration
	// InjectToken sets the bearer header from the request session.
	InjectToken bool
	// StripCookies are removed from the forwarded Cookie header.
	StripCookies []string
	// Decorate may add headers to the outbound request.
	Decorate  func(in, out *http.Request)
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Forwarder relays requests to the target without buffering either body.
type Forwarder struct {
	target  *url.URL
	opts    Options
	strip   map[string]bool
	reverse *httputil.ReverseProxy
}

func NewForwarder(target string, opts Options) (*Forwarder, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid target %q, %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy: target %q must be absolute", target)
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("proxy: timeout must be positive")
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport(opts.Timeout)
	}

	f := &Forwarder{
		target: u,
		opts:   opts,
		strip:  map[string]bool{},
	}
	for _, name := range opts.StripCookies {
		f.strip[name] = true
	}
	f.reverse = &httputil.ReverseProxy{
		Rewrite:      f.rewrite,
		Transport:    opts.Transport,
		ErrorHandler: f.handleError,
	}
	if opts.Logger != nil {
		f.reverse.ErrorLog = zap.NewStdLog(opts.Logger)
	}
	return f, nil
}

// NewTransport clones the default transport with a finite wait for response
// headers. Request bodies stream while the response is read.
func NewTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = timeout
	return t
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), f.opts.Timeout)
	defer cancel()
	f.reverse.ServeHTTP(w, r.WithContext(ctx))
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	in, out := pr.In, pr.Out

	rawPath := strings.TrimRight(f.target.EscapedPath(), "/") + "/" + f.trailing(in)
	out.URL.Scheme = f.target.Scheme
	out.URL.Host = f.target.Host
	out.URL.RawPath = rawPath
	if p, err := url.PathUnescape(rawPath); err == nil {
		out.URL.Path = p
	} else {
		out.URL.Path, out.URL.RawPath = rawPath, ""
	}
	out.URL.RawQuery = in.URL.RawQuery
	out.Host = ""

	out.Header.Set("Accept", "application/json")
	out.Header.Del("Authorization")
	if f.opts.InjectToken {
		if tok := session.Token(in.Context()); tok != "" {
			out.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	stripCookies(out.Header, f.strip)

	if in.Method == http.MethodGet || in.Method == http.MethodHead {
		out.Body = nil
		out.ContentLength = 0
		out.TransferEncoding = nil
		out.Header.Del("Content-Length")
	}

	if f.opts.Decorate != nil {
		f.opts.Decorate(in, out)
	}
}

// trailing returns the still-escaped part of the path after the prefix.
func (f *Forwarder) trailing(in *http.Request) string {
	p := in.URL.EscapedPath()
	if f.opts.Prefix != "" {
		p = strings.TrimPrefix(p, strings.TrimRight(f.opts.Prefix, "/"))
	}
	return strings.TrimLeft(p, "/")
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Log(r.Context()).Debugf("proxy: client went away during %s %s", r.Method, r.URL.Path)
		return
	}
	logger.Log(r.Context()).Errorf("proxy: forwarding %s %s failed, %v", r.Method, r.URL.Path, err)
	common.WriteMsg(w, gatewayErrorMsg, http.StatusInternalServerError)
}

func stripCookies(h http.Header, names map[string]bool) {
	lines := h.Values("Cookie")
	if len(lines) == 0 || len(names) == 0 {
		return
	}
	var kept []string
	for _, line := range lines {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			name, _, _ := strings.Cut(part, "=")
			if part == "" || names[name] {
				continue
			}
			kept = append(kept, part)
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}
