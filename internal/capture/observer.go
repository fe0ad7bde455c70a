package capture

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sessioncap/sessioncap/internal/logging"
)

// ResponseObserver inspects upstream responses. Observers get a copy of the
// body and cannot alter what the client receives.
type ResponseObserver interface {
	Name() string
	ShouldObserve(req *http.Request) bool
	Observe(req *http.Request, resp *http.Response, body []byte)
}

// ArticleStats is what StatsObserver found in a content page.
type ArticleStats struct {
	ReadNum    int
	LikeNum    int
	AppMsgStat string
}

var (
	readNumPattern    = regexp.MustCompile(`"read_num"\s*:\s*(\d+)`)
	likeNumPattern    = regexp.MustCompile(`"like_num"\s*:\s*(\d+)`)
	appMsgStatPattern = regexp.MustCompile(`appmsgstat\s*=\s*({[^}]+})`)
)

// StatsObserver logs engagement counters found in article pages.
type StatsObserver struct {
	paths  []string
	logger *logging.Logger
	onStat func(ArticleStats)
}

// NewStatsObserver watches responses whose path starts with one of paths.
func NewStatsObserver(paths []string, logger *logging.Logger, onStat func(ArticleStats)) *StatsObserver {
	if len(paths) == 0 {
		paths = []string{"/s"}
	}
	return &StatsObserver{paths: paths, logger: logger, onStat: onStat}
}

func (o *StatsObserver) Name() string { return "stats" }

func (o *StatsObserver) ShouldObserve(req *http.Request) bool {
	for _, p := range o.paths {
		if strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

func (o *StatsObserver) Observe(req *http.Request, resp *http.Response, body []byte) {
	text, err := decodeBody(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		o.logger.Debug("stats body not decodable", "path", req.URL.Path, "error", err.Error())
		return
	}
	stats, ok := ParseArticleStats(text)
	if !ok {
		return
	}
	o.logger.Info("article stats observed",
		"host", normalizeHost(req.Host),
		"path", req.URL.Path,
		"read_num", stats.ReadNum,
		"like_num", stats.LikeNum,
	)
	if o.onStat != nil {
		o.onStat(stats)
	}
}

// ParseArticleStats extracts the counters from a page body.
func ParseArticleStats(body []byte) (ArticleStats, bool) {
	var stats ArticleStats
	found := false
	if m := readNumPattern.FindSubmatch(body); m != nil {
		stats.ReadNum, _ = strconv.Atoi(string(m[1]))
		found = true
	}
	if m := likeNumPattern.FindSubmatch(body); m != nil {
		stats.LikeNum, _ = strconv.Atoi(string(m[1]))
		found = true
	}
	if m := appMsgStatPattern.FindSubmatch(body); m != nil {
		stats.AppMsgStat = string(m[1])
		found = true
	}
	return stats, found
}

func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// observeResponse runs every interested observer on a bounded copy of the
// body and restores resp.Body so the client still gets every byte.
func observeResponse(observers []ResponseObserver, req *http.Request, resp *http.Response, limit int64, logger *logging.Logger) {
	var interested []ResponseObserver
	for _, o := range observers {
		if safeShouldObserve(o, req, logger) {
			interested = append(interested, o)
		}
	}
	if len(interested) == 0 || resp.Body == nil {
		return
	}

	prefix, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(prefix), resp.Body), resp.Body}
		return
	}
	if int64(len(prefix)) > limit {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(prefix), resp.Body), resp.Body}
		logger.Debug("response too large to observe", "path", req.URL.Path, "limit", limit)
		return
	}
	resp.Body = readCloser{bytes.NewReader(prefix), resp.Body}

	view := *resp
	view.Header = resp.Header.Clone()
	view.Body = http.NoBody
	for _, o := range interested {
		safeObserve(o, req, &view, append([]byte(nil), prefix...), logger)
	}
}

func safeShouldObserve(o ResponseObserver, req *http.Request, logger *logging.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("observer panicked", "observer", o.Name(), "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return o.ShouldObserve(req)
}

func safeObserve(o ResponseObserver, req *http.Request, resp *http.Response, body []byte, logger *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("observer panicked", "observer", o.Name(), "panic", fmt.Sprint(r))
		}
	}()
	o.Observe(req, resp, body)
}

type readCloser struct {
	io.Reader
	io.Closer
}
