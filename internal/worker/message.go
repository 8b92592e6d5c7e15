package worker

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/egitim-takip/egitim-cache/internal/cache"
)

// Destination 对应 Fetch 规范中的 request.destination。
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationFont     Destination = "font"
	DestinationEmpty    Destination = ""
)

// ResponseType 对应 Fetch 规范中的 response.type；只有 basic 响应会在 fetch 阶段写缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Source 标记响应来自缓存、网络还是离线兜底，供宿主输出响应头与日志。
type Source string

const (
	SourceNetwork  Source = "miss"
	SourceCache    Source = "hit"
	SourceFallback Source = "fallback"
)

// Request 是被拦截的请求，URL 必须为绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Destination Destination
	Body        []byte
}

// NewRequest 解析 rawURL 构造请求，Header 默认为空集合。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, errors.New("request url must be absolute: " + rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
	}, nil
}

// IsGet 报告请求方法是否为 GET。
func (r *Request) IsGet() bool {
	return strings.EqualFold(r.Method, http.MethodGet)
}

// Response 是完整物化的响应：正文为字节切片而非流，Clone 后可分别交给调用方和缓存。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Type       ResponseType
	URL        string
	Body       []byte
	Source     Source
}

// OK 对应 response.ok，即 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，任何一方修改头部或正文都不会影响另一方。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// toEntry 把响应转成缓存条目，reqHeader 中被 Vary 点名的请求头一并保存。
func (r *Response) toEntry(key string, reqHeader http.Header) cache.Entry {
	return cache.Entry{
		Key:           key,
		URL:           r.URL,
		Status:        r.Status,
		StatusText:    r.StatusText,
		Type:          string(r.Type),
		Header:        r.Header,
		Body:          r.Body,
		RequestHeader: cache.VaryHeaders(r.Header, reqHeader),
	}
}

func responseFromEntry(entry *cache.Entry, source Source) *Response {
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:     entry.Status,
		StatusText: entry.StatusText,
		Header:     header,
		Type:       ResponseType(entry.Type),
		URL:        entry.URL,
		Body:       entry.Body,
		Source:     source,
	}
}
