package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/edgecomet/prerender/internal/common/config"
	"github.com/edgecomet/prerender/internal/common/httputil"
	"github.com/edgecomet/prerender/internal/common/urlutil"
)

const staticUpstreamTimeout = 30 * time.Second

// ErrStaticDisabled is returned when a static path is requested but files.serve is off
var ErrStaticDisabled = errors.New("static file serving is disabled")

// StaticProxy streams static assets from files.app_url
type StaticProxy struct {
	enabled bool
	appURL  string
	client  *fasthttp.Client
}

func NewStaticProxy(cfg *config.FilesConfig) *StaticProxy {
	return &StaticProxy{
		enabled: cfg.Serve,
		appURL:  cfg.AppURL,
		client: &fasthttp.Client{
			Name:               "prerender-static",
			ReadTimeout:        staticUpstreamTimeout,
			WriteTimeout:       staticUpstreamTimeout,
			StreamResponseBody: true,
		},
	}
}

// Serve fetches requestURI from the upstream and streams it to ctx with the upstream status and
// headers. It returns the status written to the client and, for 500/502, the cause.
func (p *StaticProxy) Serve(ctx *fasthttp.RequestCtx, requestURI string) (int, error) {
	if !p.enabled {
		httputil.WriteStatus(ctx, fasthttp.StatusInternalServerError)
		return fasthttp.StatusInternalServerError, ErrStaticDisabled
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	upstreamURL := urlutil.JoinBase(p.appURL, urlutil.StripFragment(requestURI))
	req.SetRequestURI(upstreamURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	if ua := ctx.Request.Header.UserAgent(); len(ua) > 0 {
		req.Header.SetUserAgentBytes(ua)
	}

	resp := fasthttp.AcquireResponse()
	if err := p.client.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		httputil.WriteStatus(ctx, fasthttp.StatusBadGateway)
		return fasthttp.StatusBadGateway, fmt.Errorf("static upstream %s: %w", upstreamURL, err)
	}

	for key, value := range resp.Header.All() {
		if isHopHeader(key) {
			continue
		}
		ctx.Response.Header.AddBytesKV(key, value)
	}
	ctx.Response.SetStatusCode(resp.StatusCode())

	// fasthttp closes the stream once it has been written, which releases resp
	ctx.Response.SetBodyStream(&upstreamBody{resp: resp}, resp.Header.ContentLength())

	return resp.StatusCode(), nil
}

// upstreamBody hands the upstream body stream to the client response
type upstreamBody struct {
	resp   *fasthttp.Response
	reader io.Reader
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	if b.resp == nil {
		return 0, io.EOF
	}
	if b.reader == nil {
		// bodies that fit the read buffer arrive fully buffered, without a stream
		if stream := b.resp.BodyStream(); stream != nil {
			b.reader = stream
		} else {
			b.reader = bytes.NewReader(b.resp.Body())
		}
	}
	return b.reader.Read(p)
}

func (b *upstreamBody) Close() error {
	if b.resp == nil {
		return nil
	}
	err := b.resp.CloseBodyStream()
	fasthttp.ReleaseResponse(b.resp)
	b.resp = nil
	return err
}

// isHopHeader reports headers that describe the upstream connection rather than the resource
func isHopHeader(key []byte) bool {
	switch string(key) {
	case fasthttp.HeaderConnection,
		fasthttp.HeaderTransferEncoding,
		fasthttp.HeaderContentLength,
		fasthttp.HeaderKeepAlive,
		fasthttp.HeaderTE,
		fasthttp.HeaderTrailer,
		fasthttp.HeaderUpgrade,
		fasthttp.HeaderProxyAuthenticate,
		fasthttp.HeaderProxyConnection:
		return true
	}
	return false
}
