package upstream

import (
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Client sends requests the service itself originates (validity probes) with
// browser-like headers rotated per request. Headers already set by the caller
// are left untouched.
type Client struct {
	client     *http.Client
	userAgents []string
	langs      []string
	rng        *rand.Rand
	mu         sync.Mutex
}

// NewClient creates a rotating client over NewTransport(opts).
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: NewTransport(opts),
		},
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 NetType/WIFI MicroMessenger/7.0.20.1781(0x6700143B) WindowsWechat(0x63090c11) XWEB/11275 Flue",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) MicroMessenger/3.8.7(0x13080712) MacWechat NetType/WIFI WindowsWechat",
		},
		langs: []string{"zh-CN,zh;q=0.9", "zh-CN,zh;q=0.9,en;q=0.8"},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do applies rotated headers and sends the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	c.applyHeaders(req)
	return c.client.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	c.mu.Lock()
	ua := c.userAgents[c.rng.Intn(len(c.userAgents))]
	lang := c.langs[c.rng.Intn(len(c.langs))]
	c.mu.Unlock()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", lang)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}
}
