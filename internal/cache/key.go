package cache

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrUnsupportedMethod 表示请求方法不能参与缓存（仅 GET 可被写入或命中）。
var ErrUnsupportedMethod = errors.New("only GET requests can be cached")

// RequestKey 计算请求标识：方法必须为 GET，URL 去掉 fragment 后作为键。
func RequestKey(method string, u *url.URL) (string, error) {
	if !strings.EqualFold(method, http.MethodGet) {
		return "", ErrUnsupportedMethod
	}
	if u == nil {
		return "", errors.New("request url required")
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return normalized.String(), nil
}

// 网关回源时不会转发 Accept-Encoding，源站响应不可能因它而不同，比较 Vary 时忽略。
var ignoredVaryHeaders = map[string]bool{
	"Accept-Encoding": true,
}

// varyFields 解析响应头中的 Vary 列表，返回规范化后的请求头名。
func varyFields(respHeader http.Header) []string {
	var fields []string
	for _, line := range respHeader.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = http.CanonicalHeaderKey(name)
			}
			if ignoredVaryHeaders[name] {
				continue
			}
			fields = append(fields, name)
		}
	}
	return fields
}

// VaryHeaders 截取 reqHeader 中被响应 Vary 点名的请求头，写入缓存时与条目一起保存。
func VaryHeaders(respHeader, reqHeader http.Header) http.Header {
	fields := varyFields(respHeader)
	if len(fields) == 0 {
		return nil
	}
	selected := http.Header{}
	for _, name := range fields {
		if name == "*" {
			continue
		}
		if values := reqHeader.Values(name); len(values) > 0 {
			selected[name] = append([]string(nil), values...)
		}
	}
	return selected
}

// VaryMatches 报告 reqHeader 在条目 Vary 点名的每个请求头上是否与写入时一致；Vary: * 永不命中。
func (e Entry) VaryMatches(reqHeader http.Header) bool {
	for _, name := range varyFields(e.Header) {
		if name == "*" {
			return false
		}
		if strings.Join(e.RequestHeader.Values(name), ",") != strings.Join(reqHeader.Values(name), ",") {
			return false
		}
	}
	return true
}
