package proxy

import (
	"io"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/upstream"
)

// writeResponse 将命中的响应写回客户端；正文以流方式交给 fasthttp，写完后由其关闭。
// 缓存中的 gzip 正文在客户端不接受 gzip 时即时解压。
func writeResponse(c fiber.Ctx, res result, acceptsGzip bool, logger *logrus.Logger) error {
	resp := res.resp
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	body := resp.Body
	length := resp.ContentLength

	if body != nil && isGzipEncoded(header) && !acceptsGzip {
		decoded, err := newGzipBody(body)
		if err != nil {
			body.Close()
			logger.WithError(err).WithField("source", res.source).Warn("gzip 正文解压失败")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "decode_failed"})
		}
		header = header.Clone()
		header.Del("Content-Encoding")
		header.Del("Content-Length")
		body = decoded
		length = -1
	}

	copyResponseHeaders(c, header)
	c.Set(server.HeaderSource, string(res.source))
	if id := server.RequestID(c); id != "" {
		c.Set("X-Request-ID", id)
	}
	c.Status(resp.Status)

	if body == nil {
		return nil
	}
	size := -1
	if length > 0 {
		size = int(length)
	}
	c.Response().SetBodyStream(body, size)
	return nil
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func newGzipBody(raw io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(raw)
	if err != nil {
		return nil, err
	}
	return &gzipBody{Reader: zr, raw: raw}, nil
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.raw.Close()
}
