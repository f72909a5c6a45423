package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	scanChunk       = 10
	scanDialTimeout = 300 * time.Millisecond
	scanHostBudget  = 500 * time.Millisecond
)

// ScanResult is a host that accepted a TCP connection on the scanned port.
type ScanResult struct {
	IP        string
	Port      int
	LatencyMs int64
	LastSeen  time.Time
}

// Prober checks whether a peer accepts connections.
type Prober interface {
	Probe(ctx context.Context, ip string, port int) (time.Duration, error)
}

// TCPProber dials the peer's port and closes the connection immediately.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, ip string, port int) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

// ScanSubnet probes base.start through base.end on port, ten hosts at a time.
// base is the first three octets, e.g. "192.168.1".
func ScanSubnet(ctx context.Context, base string, start, end, port int) ([]ScanResult, error) {
	if err := validBase(base); err != nil {
		return nil, err
	}
	if start < 1 || end > 254 || start > end {
		return nil, fmt.Errorf("invalid host range %d-%d", start, end)
	}

	prober := TCPProber{Timeout: scanDialTimeout}
	var results []ScanResult
	for chunk := start; chunk <= end; chunk += scanChunk {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		last := min(chunk+scanChunk-1, end)

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for host := chunk; host <= last; host++ {
			ip := base + "." + strconv.Itoa(host)
			wg.Add(1)
			go func() {
				defer wg.Done()
				hctx, cancel := context.WithTimeout(ctx, scanHostBudget)
				defer cancel()
				latency, err := prober.Probe(hctx, ip, port)
				if err != nil {
					return
				}
				mu.Lock()
				results = append(results, ScanResult{
					IP:        ip,
					Port:      port,
					LatencyMs: latency.Milliseconds(),
					LastSeen:  time.Now().UTC(),
				})
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return results, nil
}

func validBase(base string) error {
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid subnet base %q", base)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("invalid subnet base %q", base)
		}
	}
	return nil
}
