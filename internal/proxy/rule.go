package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/elazarl/goproxy"
)

// Rule interface for matching requests against the controlled origin
type Rule interface {
	Match(requ *http.Request) bool
}

// OriginRule matches requests whose scheme, host and port equal the origin's
type OriginRule struct {
	scheme string
	host   string
	port   string
}

// NewOriginRule creates a rule for the given absolute origin URL
func NewOriginRule(origin *url.URL) *OriginRule {
	scheme := strings.ToLower(origin.Scheme)
	return &OriginRule{
		scheme: scheme,
		host:   strings.ToLower(origin.Hostname()),
		port:   portOrDefault(scheme, origin.Port()),
	}
}

// Match checks if a request targets the origin
func (r *OriginRule) Match(requ *http.Request) bool {
	scheme := strings.ToLower(requ.URL.Scheme)
	if scheme != r.scheme {
		return false
	}

	if !strings.EqualFold(requ.URL.Hostname(), r.host) {
		return false
	}

	return portOrDefault(scheme, requ.URL.Port()) == r.port
}

// MatchHost checks if a CONNECT target (host:port) is the origin
func (r *OriginRule) MatchHost(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	return strings.EqualFold(host, r.host) && portOrDefault(r.scheme, port) == r.port
}

// Condition adapts the rule to a goproxy request condition
func (r *OriginRule) Condition() goproxy.ReqConditionFunc {
	return func(requ *http.Request, ctx *goproxy.ProxyCtx) bool {
		return r.Match(requ)
	}
}

func portOrDefault(scheme, port string) string {
	if port != "" {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}
