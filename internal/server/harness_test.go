package server_test

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/config"
	"github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/dispatch"
	"github.com/edgecomet/prerender/internal/server"
)

// stubRenderer renders "<html>rendered TARGET</html>" with status 200 unless a page is configured.
// With hold set, dispatched jobs wait until release.
type stubRenderer struct {
	mu      sync.Mutex
	busy    bool
	hold    bool
	held    []*dispatch.Job
	targets []string
	pages   map[string]dispatch.Page
}

func newStubRenderer() *stubRenderer {
	return &stubRenderer{pages: make(map[string]dispatch.Page)}
}

func (r *stubRenderer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *stubRenderer) RenderPage(job *dispatch.Job) {
	r.mu.Lock()
	r.busy = true
	r.targets = append(r.targets, job.TargetURL)
	if r.hold {
		r.held = append(r.held, job)
		r.mu.Unlock()
		return
	}
	page := r.pageFor(job.TargetURL)
	r.mu.Unlock()

	job.Page = page
	job.Complete()
}

func (r *stubRenderer) JobFinished(*dispatch.Job) {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func (r *stubRenderer) pageFor(target string) dispatch.Page {
	if page, ok := r.pages[target]; ok {
		return page
	}
	return dispatch.Page{StatusCode: 200, HTML: "<html>rendered " + target + "</html>"}
}

// releaseOne completes the oldest held job, reporting whether there was one
func (r *stubRenderer) releaseOne() bool {
	r.mu.Lock()
	if len(r.held) == 0 {
		r.mu.Unlock()
		return false
	}
	job := r.held[0]
	r.held = r.held[1:]
	page := r.pageFor(job.TargetURL)
	r.mu.Unlock()

	job.Page = page
	job.Complete()
	return true
}

func (r *stubRenderer) heldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func (r *stubRenderer) renderedTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type response struct {
	Status        int
	Body          string
	ContentType   string
	ContentLength int
	Headers       map[string]string
}

type harness struct {
	renderer   *stubRenderer
	dispatcher *dispatch.Dispatcher
	ln         *fasthttputil.InmemoryListener
	client     *fasthttp.Client
	httpServer *fasthttp.Server
}

func newHarness(yaml string) *harness {
	cfg, err := config.Parse([]byte(yaml))
	Expect(err).NotTo(HaveOccurred())

	logs := logger.ForProcess(zap.NewNop(), cfg.Server.ProcessNum)
	renderer := newStubRenderer()
	dispatcher := dispatch.NewDispatcher(renderer, cfg.Queue.MaxSize, logs, nil)

	h := &harness{
		renderer:   renderer,
		dispatcher: dispatcher,
		ln:         fasthttputil.NewInmemoryListener(),
		httpServer: server.NewServer(&cfg.Files, dispatcher, logs, nil).HTTPServer(),
	}
	h.client = &fasthttp.Client{
		Dial: func(string) (net.Conn, error) {
			return h.ln.Dial()
		},
	}

	go func() {
		_ = h.httpServer.Serve(h.ln)
	}()
	return h
}

func (h *harness) close() {
	_ = h.httpServer.Shutdown()
}

func (h *harness) do(method, requestURI string, headers map[string]string) response {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://prerender.test" + requestURI)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	err := h.client.DoTimeout(req, resp, 5*time.Second)
	Expect(err).NotTo(HaveOccurred(), fmt.Sprintf("%s %s", method, requestURI))

	out := response{
		Status:        resp.StatusCode(),
		Body:          string(resp.Body()),
		ContentType:   string(resp.Header.ContentType()),
		ContentLength: resp.Header.ContentLength(),
		Headers:       make(map[string]string),
	}
	for k, v := range resp.Header.All() {
		out.Headers[string(k)] = string(v)
	}
	return out
}

func (h *harness) get(requestURI string) response {
	return h.do(fasthttp.MethodGet, requestURI, nil)
}

// goGet issues a GET in the background
func (h *harness) goGet(requestURI string) <-chan response {
	ch := make(chan response, 1)
	go func() {
		defer GinkgoRecover()
		ch <- h.get(requestURI)
	}()
	return ch
}

// bigBody is larger than the client read buffer, so it reaches the proxy as a stream
var bigBody = strings.Repeat("body{margin:0}\n", 16*1024)

// upstream is a real TCP server standing in for files.app_url
type upstream struct {
	ln       net.Listener
	srv      *fasthttp.Server
	mu       sync.Mutex
	requests []string
}

func startUpstream() *upstream {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	u := &upstream{ln: ln}
	u.srv = &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		u.mu.Lock()
		u.requests = append(u.requests, string(ctx.RequestURI()))
		u.mu.Unlock()

		switch string(ctx.Path()) {
		case "/assets/app.js":
			ctx.SetContentType("application/javascript")
			ctx.Response.Header.Set("Cache-Control", "max-age=60")
			ctx.SetBodyString("console.log('app');")
		case "/assets/big.css":
			ctx.SetContentType("text/css")
			ctx.SetBodyString(bigBody)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("missing")
		}
	}}

	go func() {
		_ = u.srv.Serve(ln)
	}()
	return u
}

func (u *upstream) url() string {
	return "http://" + u.ln.Addr().String()
}

func (u *upstream) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.requests...)
}

func (u *upstream) close() {
	_ = u.srv.Shutdown()
}
