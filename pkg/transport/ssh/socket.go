package ssh

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dial opens the TCP connection for cfg, honoring IP-version preference
// and a caller-supplied proxy. If cfg.Proxy is set, it is used verbatim
// and address resolution below is skipped entirely.
func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	if cfg.Proxy != nil {
		return cfg.Proxy.DialContext(ctx, cfg.Host, cfg.Port, cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	network, err := resolveNetwork(ctx, cfg.Host, cfg.IPVersion)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}

	// Post-connect, reads block indefinitely; the dispatcher's own loop
	// is the only thing governing how long a read may take.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadDeadline(time.Time{})
	}
	return conn, nil
}

// resolveNetwork picks the dialer network ("tcp", "tcp4", "tcp6") per the
// requested IP-version preference. "both" uses the system's default
// ordering by dialing "tcp" directly; v4-only/v6-only resolve explicitly
// and require at least one matching address to exist.
func resolveNetwork(ctx context.Context, host string, pref IPVersion) (string, error) {
	switch pref {
	case IPv4Only:
		if err := requireFamily(ctx, host, "ip4"); err != nil {
			return "", err
		}
		return "tcp4", nil
	case IPv6Only:
		if err := requireFamily(ctx, host, "ip6"); err != nil {
			return "", err
		}
		return "tcp6", nil
	default:
		return "tcp", nil
	}
}

func requireFamily(ctx context.Context, host, family string) error {
	var r net.Resolver
	addrs, err := r.LookupIP(ctx, family, host)
	if err != nil {
		return fmt.Errorf("ssh: resolve %s for %s: %w", family, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("ssh: no %s address for %s", family, host)
	}
	return nil
}
