package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/egitim-takip/egitim-cache/internal/server"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// Fetcher 通过共享 http.Client 回源，完整读取正文后返回物化响应。
type Fetcher struct {
	client *http.Client
	origin *url.URL
}

var _ worker.Fetcher = (*Fetcher)(nil)

// NewFetcher 构造回源器；origin 用于判定响应类型（同源为 basic，其余为 cors）。
func NewFetcher(client *http.Client, origin *url.URL) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("absolute origin url is required")
	}
	return &Fetcher{client: client, origin: origin}, nil
}

// Fetch 实现 worker.Fetcher。传输层错误原样返回，HTTP 错误状态码不算失败。
func (f *Fetcher) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request with url is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyRequestHeaders(upstreamReq.Header, req.Header)
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &worker.Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     header,
		Type:       f.responseType(req.URL, finalURL),
		URL:        finalURL.String(),
		Body:       payload,
	}, nil
}

// responseType 请求或重定向终点任一跨源即视为 cors。
func (f *Fetcher) responseType(requested, final *url.URL) worker.ResponseType {
	if sameOrigin(f.origin, requested) && sameOrigin(f.origin, final) {
		return worker.TypeBasic
	}
	return worker.TypeCORS
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// statusText 从 "200 OK" 形式的状态行取出原因短语。
func statusText(resp *http.Response) string {
	prefix := fmt.Sprintf("%d ", resp.StatusCode)
	if text, ok := strings.CutPrefix(resp.Status, prefix); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
