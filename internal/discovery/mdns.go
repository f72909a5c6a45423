// Package discovery finds GIRO peers on the local network, either by mDNS
// (service _giro._tcp in the local. domain) or by probing TCP ports across a
// /24 subnet.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_giro._tcp"
	ServiceDomain = "local."
	DefaultPort   = 3847
)

// Announcement describes how this node advertises itself.
type Announcement struct {
	Instance string
	Port     int
	Version  string
	Store    string
	Mode     string
}

func (a Announcement) txt() []string {
	txt := []string{"version=" + a.Version}
	if a.Store != "" {
		txt = append(txt, "store="+a.Store)
	}
	if a.Mode != "" {
		txt = append(txt, "mode="+a.Mode)
	}
	return txt
}

// Announcer publishes this node on mDNS.
type Announcer interface {
	Announce(a Announcement) (Registration, error)
}

// Registration is a live mDNS announcement.
type Registration interface {
	Shutdown()
}

// MDNSAnnouncer registers services through zeroconf.
type MDNSAnnouncer struct{}

func NewMDNSAnnouncer() *MDNSAnnouncer { return &MDNSAnnouncer{} }

func (*MDNSAnnouncer) Announce(a Announcement) (Registration, error) {
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	server, err := zeroconf.Register(a.Instance, ServiceType, ServiceDomain, a.Port, a.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("registering mdns service: %w", err)
	}
	return server, nil
}

// Record is a peer found by mDNS.
type Record struct {
	Instance string
	Host     string
	IP       string
	Port     int
	Version  string
	Store    string
	Mode     string
}

// IsMaster reports whether the record advertises a node that serves peers.
func (r Record) IsMaster() bool {
	return r.Mode == "master" || r.Mode == "hybrid"
}

// Browser looks up peers for a bounded time.
type Browser interface {
	Browse(ctx context.Context, timeout time.Duration) ([]Record, error)
}

// MDNSBrowser browses _giro._tcp through zeroconf. Records that resolve to
// one of this host's addresses are dropped.
type MDNSBrowser struct {
	localIPs func() []string
}

func NewMDNSBrowser() *MDNSBrowser {
	return &MDNSBrowser{localIPs: LocalIPs}
}

func (b *MDNSBrowser) Browse(ctx context.Context, timeout time.Duration) ([]Record, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu      sync.Mutex
		records []Record
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for e := range entries {
			if r, ok := recordFromEntry(e); ok {
				mu.Lock()
				records = append(records, r)
				mu.Unlock()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browsing mdns: %w", err)
	}
	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}

	mu.Lock()
	found := append([]Record(nil), records...)
	mu.Unlock()
	return filterLocal(dedupe(found), b.localIPs()), nil
}

func recordFromEntry(e *zeroconf.ServiceEntry) (Record, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return Record{}, false
	}
	r := Record{
		Instance: e.Instance,
		Host:     e.HostName,
		IP:       e.AddrIPv4[0].String(),
		Port:     e.Port,
	}
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "version":
			r.Version = v
		case "store":
			r.Store = v
		case "mode":
			r.Mode = v
		}
	}
	return r, true
}

func dedupe(records []Record) []Record {
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		key := net.JoinHostPort(r.IP, fmt.Sprint(r.Port))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func filterLocal(records []Record, local []string) []Record {
	if len(local) == 0 {
		return records
	}
	mine := make(map[string]bool, len(local))
	for _, ip := range local {
		mine[ip] = true
	}
	out := records[:0]
	for _, r := range records {
		if !mine[r.IP] {
			out = append(out, r)
		}
	}
	return out
}
