package security

import (
	"net"
	"net/http"
	"strings"
)

func ParseCIDRAllowlist(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// RemoteIP returns the peer address of r without its port.
func RemoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// IPAllowlist rejects peers outside allow. An empty list admits everyone.
func IPAllowlist(allow []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allow) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := RemoteIP(r)
			if ip == nil {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			for _, n := range allow {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteJSONError(w, r, http.StatusForbidden, "forbidden")
		})
	}
}

// BodySizeLimit caps request bodies at max bytes. Zero or less disables it.
func BodySizeLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max > 0 && r.Body != nil {
				if r.ContentLength > max {
					WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
