package handler

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"family-vault/internal/util"
)

// trustedProxies lists the peer networks whose forwarding headers are believed.
type trustedProxies []netip.Prefix

// parseTrustedProxy accepts a CIDR or a bare address, which is treated as a
// single-host prefix.
func parseTrustedProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func newTrustedProxies(entries []string) trustedProxies {
	var out trustedProxies
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		p, err := parseTrustedProxy(e)
		if err != nil {
			util.Warn("Ignoring invalid trusted proxy", util.String("entry", e), util.ErrorField(err))
			continue
		}
		out = append(out, p)
	}
	return out
}

func (tp trustedProxies) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range tp {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remoteAddr string) (netip.Addr, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

type trustedPeerKey struct{}

// viaTrustedProxy reports whether the direct peer of r was a trusted proxy.
func viaTrustedProxy(r *http.Request) bool {
	ok, _ := r.Context().Value(trustedPeerKey{}).(bool)
	return ok
}

// realIP rewrites RemoteAddr from X-Forwarded-For or X-Real-IP, but only when
// the direct peer is a trusted proxy. X-Forwarded-For is walked right to left
// and the first hop outside the trusted set is the client.
func realIP(proxies trustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := peerAddr(r.RemoteAddr)
			if !ok || !proxies.contains(peer) {
				next.ServeHTTP(w, r)
				return
			}

			if client, found := forwardedClient(r, proxies); found {
				r.RemoteAddr = client.String()
			}
			ctx := context.WithValue(r.Context(), trustedPeerKey{}, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func forwardedClient(r *http.Request, proxies trustedProxies) (netip.Addr, bool) {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		last = addr.Unmap()
		if !proxies.contains(last) {
			return last, true
		}
	}
	if last.IsValid() {
		return last, true
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
