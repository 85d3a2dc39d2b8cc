// Package httputil writes the plain HTML responses of the prerender surface.
package httputil

import (
	"strconv"

	"github.com/valyala/fasthttp"
)

// ContentTypeHTML is sent with every response this service generates itself
const ContentTypeHTML = "text/html;charset=UTF-8"

// StatusBody is the canonical "<code> <reason>" body, e.g. "503 Service Unavailable"
func StatusBody(statusCode int) string {
	return strconv.Itoa(statusCode) + " " + fasthttp.StatusMessage(statusCode)
}

// WriteHTML writes a complete response with an explicit byte Content-Length
func WriteHTML(ctx *fasthttp.RequestCtx, statusCode int, body string) {
	ctx.Response.SetStatusCode(statusCode)
	ctx.Response.Header.SetContentType(ContentTypeHTML)
	ctx.Response.Header.SetContentLength(len(body))
	ctx.Response.SetBodyString(body)
}

// WriteStatus answers statusCode with its canonical body
func WriteStatus(ctx *fasthttp.RequestCtx, statusCode int) {
	WriteHTML(ctx, statusCode, StatusBody(statusCode))
}
