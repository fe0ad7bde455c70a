package capture

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sessioncap/sessioncap/internal/models"
)

// Query parameter names read from intercepted requests.
const (
	ParamKey           = "key"
	ParamPassTicket    = "pass_ticket"
	ParamUIN           = "uin"
	ParamDeviceType    = "devicetype"
	ParamClientVersion = "clientversion"
	ParamAccount       = "__biz"
)

// DefaultRequiredParams must all be present before a request counts as a capture.
var DefaultRequiredParams = []string{ParamKey, ParamPassTicket}

var knownParams = []string{ParamKey, ParamPassTicket, ParamUIN, ParamDeviceType, ParamClientVersion, ParamAccount}

// CaptureFunc receives the fields of the first qualifying request. It runs
// synchronously on the connection goroutine before the request is forwarded.
type CaptureFunc func(fields models.CaptureFields)

// Detector decides whether an intercepted request carries a full credential
// set. It fires at most once per lifetime.
type Detector struct {
	required   []string
	patterns   map[string]*regexp.Regexp
	onCaptured CaptureFunc

	fired atomic.Bool
	mu    sync.Mutex
	done  chan struct{}
}

// NewDetector builds a detector for the given required parameter names.
// An empty list means DefaultRequiredParams.
func NewDetector(required []string, onCaptured CaptureFunc) *Detector {
	if len(required) == 0 {
		required = DefaultRequiredParams
	}
	d := &Detector{
		required:   append([]string(nil), required...),
		patterns:   make(map[string]*regexp.Regexp),
		onCaptured: onCaptured,
		done:       make(chan struct{}),
	}
	for _, name := range append(append([]string(nil), knownParams...), d.required...) {
		if _, ok := d.patterns[name]; !ok {
			d.patterns[name] = paramPattern(name)
		}
	}
	return d
}

func paramPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`[&?]` + regexp.QuoteMeta(name) + `=([^&#]+)`)
}

// Required returns the parameter names that must all be present.
func (d *Detector) Required() []string {
	return append([]string(nil), d.required...)
}

// Captured is closed after the capture callback has returned or panicked.
func (d *Detector) Captured() <-chan struct{} {
	return d.done
}

// Fired reports whether a capture already happened.
func (d *Detector) Fired() bool {
	return d.fired.Load()
}

// Inspect examines one request and reports whether it was the capturing one.
func (d *Detector) Inspect(req *http.Request) bool {
	if d.fired.Load() {
		return false
	}
	fields, ok := d.extract(req)
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired.Load() {
		return false
	}
	// Marked before the callback runs so a panicking callback still counts
	// as the one capture.
	d.fired.Store(true)
	defer close(d.done)
	if d.onCaptured != nil {
		d.onCaptured(fields)
	}
	return true
}

func (d *Detector) extract(req *http.Request) (models.CaptureFields, bool) {
	if req == nil || req.URL == nil {
		return models.CaptureFields{}, false
	}
	cookie := strings.Join(req.Header.Values("Cookie"), "; ")
	if cookie == "" {
		return models.CaptureFields{}, false
	}

	query := "?" + req.URL.RawQuery
	values := make(map[string]string, len(d.patterns))
	for name, re := range d.patterns {
		if v := findParam(re, query); v != "" {
			values[name] = v
		}
	}
	for _, name := range d.required {
		if values[name] == "" {
			return models.CaptureFields{}, false
		}
	}

	deviceType := values[ParamDeviceType]
	if deviceType == "" {
		deviceType = models.DefaultDeviceType
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	return models.CaptureFields{
		AccountKey:    values[ParamAccount],
		Cookie:        cookie,
		Key:           values[ParamKey],
		PassTicket:    values[ParamPassTicket],
		UIN:           values[ParamUIN],
		DeviceType:    deviceType,
		ClientVersion: values[ParamClientVersion],
		Host:          normalizeHost(host),
		Path:          req.URL.Path,
	}, true
}

func findParam(re *regexp.Regexp, query string) string {
	m := re.FindStringSubmatch(query)
	if len(m) < 2 {
		return ""
	}
	v, err := url.QueryUnescape(m[1])
	if err != nil {
		return m[1]
	}
	return v
}
