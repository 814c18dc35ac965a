package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// SRVService is the service label under which identities publish their peer endpoint.
const SRVService = "_odin-peer._tcp."

// DNSResolver finds peer endpoints through DNS SRV records, falling back to
// https://<identity> when no record is published.
type DNSResolver struct {
	server string
	client *dns.Client
	cache  *lru.Cache[interfaces.IdentityAddress, cachedEndpoint]
	ttl    time.Duration
	log    *slog.Logger
}

type cachedEndpoint struct {
	url     string
	expires time.Time
}

// NewDNSResolver queries server (host:port) and caches up to cacheSize answers for ttl.
func NewDNSResolver(server string, cacheSize int, ttl time.Duration, log *slog.Logger) (*DNSResolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[interfaces.IdentityAddress, cachedEndpoint](cacheSize)
	if err != nil {
		return nil, err
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
		cache:  cache,
		ttl:    ttl,
		log:    log,
	}, nil
}

func (r *DNSResolver) Resolve(ctx context.Context, identity interfaces.IdentityAddress) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	if cached, ok := r.cache.Get(identity); ok && time.Now().Before(cached.expires) {
		return cached.url, nil
	}

	endpoint, err := r.lookupSRV(ctx, identity)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.log.Debug("SRV lookup failed, using identity host", slog.String("identity", string(identity)), "err", err)
	}
	if endpoint == "" {
		endpoint = "https://" + string(identity)
	}

	r.cache.Add(identity, cachedEndpoint{url: endpoint, expires: time.Now().Add(r.ttl)})
	return endpoint, nil
}

func (r *DNSResolver) lookupSRV(ctx context.Context, identity interfaces.IdentityAddress) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(SRVService+string(identity)), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dns rcode %s", dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", nil
	}

	// Lowest priority first, then heaviest weight.
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	best := records[0]
	host := strings.TrimSuffix(best.Target, ".")
	return "https://" + host + ":" + strconv.Itoa(int(best.Port)), nil
}

// StaticResolver maps identities to fixed endpoints.
type StaticResolver struct {
	mu        sync.RWMutex
	endpoints map[interfaces.IdentityAddress]string
}

// NewStaticResolver creates a resolver over endpoints.
func NewStaticResolver(endpoints map[interfaces.IdentityAddress]string) *StaticResolver {
	copied := make(map[interfaces.IdentityAddress]string, len(endpoints))
	for k, v := range endpoints {
		copied[k] = v
	}
	return &StaticResolver{endpoints: copied}
}

// Set adds or replaces an endpoint.
func (r *StaticResolver) Set(identity interfaces.IdentityAddress, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[identity] = endpoint
}

func (r *StaticResolver) Resolve(ctx context.Context, identity interfaces.IdentityAddress) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.endpoints[identity]
	if !ok {
		return "", fmt.Errorf("no endpoint for %s", identity)
	}
	return endpoint, nil
}
