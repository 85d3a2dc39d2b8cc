package server_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edgecomet/prerender/internal/common/httputil"
	"github.com/edgecomet/prerender/internal/dispatch"
)

const renderOnlyConfig = `
queue:
  max_size: 1
files:
  app_url: "http://127.0.0.1:1"
`

var _ = Describe("HTTP surface", func() {
	var h *harness

	AfterEach(func() {
		if h != nil {
			h.close()
			h = nil
		}
	})

	Context("method gate", func() {
		BeforeEach(func() {
			h = newHarness(renderOnlyConfig)
		})

		It("answers 405 to non-GET requests without touching the renderer", func() {
			for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
				resp := h.do(method, "/products", nil)
				Expect(resp.Status).To(Equal(405), method)
				if method != "HEAD" {
					Expect(resp.Body).To(Equal("405 Method Not Allowed"))
				}
				Expect(resp.ContentType).To(Equal(httputil.ContentTypeHTML))
			}
			Expect(h.renderer.renderedTargets()).To(BeEmpty())
			Expect(h.dispatcher.QueueLength()).To(Equal(0))
		})

		It("rejects a POST to a static path without proxying", func() {
			resp := h.do("POST", "/assets/app.js", nil)
			Expect(resp.Status).To(Equal(405))
		})
	})

	Context("render path", func() {
		BeforeEach(func() {
			h = newHarness(renderOnlyConfig)
		})

		It("returns the rendered page with its status and byte length", func() {
			h.renderer.pages["/utf"] = dispatch.Page{StatusCode: 200, HTML: "<p>héllo</p>"}

			resp := h.get("/utf")
			Expect(resp.Status).To(Equal(200))
			Expect(resp.Body).To(Equal("<p>héllo</p>"))
			Expect(resp.ContentLength).To(Equal(13))
			Expect(resp.ContentType).To(Equal("text/html;charset=UTF-8"))
		})

		It("passes the renderer status code through", func() {
			h.renderer.pages["/missing"] = dispatch.Page{StatusCode: 404, HTML: "<html>gone</html>"}

			resp := h.get("/missing")
			Expect(resp.Status).To(Equal(404))
			Expect(resp.Body).To(Equal("<html>gone</html>"))
		})

		It("keeps the 500 defaults when the renderer does not set a page", func() {
			h.renderer.pages["/broken"] = dispatch.Page{StatusCode: dispatch.DefaultStatusCode, HTML: dispatch.DefaultHTML}

			resp := h.get("/broken")
			Expect(resp.Status).To(Equal(500))
			Expect(resp.Body).To(Equal("500 Internal Server Error"))
		})

		It("rewrites _escaped_fragment_ into a hashbang target", func() {
			resp := h.get("/products?id=7&_escaped_fragment_=tab=specs")
			Expect(resp.Status).To(Equal(200))
			Expect(h.renderer.renderedTargets()).To(Equal([]string{"/products?id=7#!tab=specs"}))
		})

		It("tags every response with a request ID", func() {
			resp := h.do("GET", "/", map[string]string{"X-Request-ID": "trace 42"})
			Expect(resp.Headers["X-Request-Id"]).To(MatchRegexp(`^[0-9a-f]{5}-trace-42$`))

			resp = h.get("/")
			Expect(resp.Headers["X-Request-Id"]).To(HaveLen(36))

			resp = h.do("POST", "/", nil)
			Expect(resp.Headers["X-Request-Id"]).NotTo(BeEmpty())
		})
	})

	Context("admission control", func() {
		BeforeEach(func() {
			h = newHarness(renderOnlyConfig)
			h.renderer.hold = true
		})

		It("rejects with 503 once the queue is full and serves the rest in order", func() {
			first := h.goGet("/first")
			Eventually(h.renderer.heldCount).Should(Equal(1))

			second := h.goGet("/second")
			Eventually(h.dispatcher.QueueLength).Should(Equal(1))

			rejected := h.get("/third")
			Expect(rejected.Status).To(Equal(503))
			Expect(rejected.Body).To(Equal("503 Service Unavailable"))

			Expect(h.renderer.releaseOne()).To(BeTrue())
			Eventually(first, 2*time.Second).Should(Receive(HaveField("Status", 200)))

			Eventually(h.renderer.heldCount).Should(Equal(1))
			Expect(h.renderer.releaseOne()).To(BeTrue())
			Eventually(second, 2*time.Second).Should(Receive(HaveField("Body", "<html>rendered /second</html>")))

			Expect(h.renderer.renderedTargets()).To(Equal([]string{"/first", "/second"}))
		})

		It("answers 503 to queued requests dropped at shutdown", func() {
			inFlight := h.goGet("/in-flight")
			Eventually(h.renderer.heldCount).Should(Equal(1))

			queued := h.goGet("/queued")
			Eventually(h.dispatcher.QueueLength).Should(Equal(1))

			Expect(h.dispatcher.Stop()).To(Equal(1))
			Eventually(queued, 2*time.Second).Should(Receive(HaveField("Status", 503)))

			Expect(h.get("/late").Status).To(Equal(503))

			Expect(h.renderer.releaseOne()).To(BeTrue())
			Eventually(inFlight, 2*time.Second).Should(Receive(HaveField("Status", 200)))
		})
	})

	Context("static files", func() {
		var up *upstream

		BeforeEach(func() {
			up = startUpstream()
		})

		AfterEach(func() {
			up.close()
		})

		It("proxies matching paths with upstream status and headers", func() {
			h = newHarness(`
files:
  serve: true
  app_url: "` + up.url() + `/"
`)

			resp := h.get("/assets/app.js?v=3")
			Expect(resp.Status).To(Equal(200))
			Expect(resp.Body).To(Equal("console.log('app');"))
			Expect(resp.ContentType).To(Equal("application/javascript"))
			Expect(resp.Headers["Cache-Control"]).To(Equal("max-age=60"))
			Expect(resp.Headers["X-Request-Id"]).NotTo(BeEmpty())

			Expect(up.seen()).To(Equal([]string{"/assets/app.js?v=3"}))
			Expect(h.renderer.renderedTargets()).To(BeEmpty())
		})

		It("forwards the request URI as received, _escaped_fragment_ included", func() {
			h = newHarness(`
files:
  serve: true
  app_url: "` + up.url() + `"
`)

			resp := h.get("/assets/app.js?_escaped_fragment_=v3")
			Expect(resp.Status).To(Equal(200))
			Expect(up.seen()).To(Equal([]string{"/assets/app.js?_escaped_fragment_=v3"}))
			Expect(h.renderer.renderedTargets()).To(BeEmpty())
		})

		It("streams large bodies", func() {
			h = newHarness(`
files:
  serve: true
  app_url: "` + up.url() + `"
`)

			resp := h.get("/assets/big.css")
			Expect(resp.Status).To(Equal(200))
			Expect(resp.Body).To(HaveLen(len(bigBody)))
		})

		It("passes upstream errors through", func() {
			h = newHarness(`
files:
  serve: true
  app_url: "` + up.url() + `"
`)

			resp := h.get("/assets/none.png")
			Expect(resp.Status).To(Equal(404))
			Expect(resp.Body).To(Equal("missing"))
		})

		It("answers 500 when serving is disabled", func() {
			h = newHarness(`
files:
  app_url: "` + up.url() + `"
`)

			resp := h.get("/assets/app.js")
			Expect(resp.Status).To(Equal(500))
			Expect(resp.Body).To(Equal("500 Internal Server Error"))
			Expect(up.seen()).To(BeEmpty())
		})

		It("answers 502 when the upstream is unreachable", func() {
			h = newHarness(`
files:
  serve: true
  app_url: "http://127.0.0.1:1"
`)

			resp := h.get("/assets/app.js")
			Expect(resp.Status).To(Equal(502))
			Expect(resp.Body).To(Equal("502 Bad Gateway"))
		})

		It("renders paths that do not match files.match", func() {
			h = newHarness(`
files:
  serve: true
  match: "/static/*"
  app_url: "` + up.url() + `"
`)

			Expect(h.get("/assets/app.js").Body).To(Equal("<html>rendered /assets/app.js</html>"))
			Expect(up.seen()).To(BeEmpty())
		})
	})
})
