package configure

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultLabels are the result labels captured from configuration output.
var DefaultLabels = []string{"worker address", "rest url", "nucypher version", "nickname"}

// OutputLine is one line of executor output attributed to a host address.
// Host is empty for lines not tied to a host.
type OutputLine struct {
	Host string
	Task string
	Text string
	// Failed marks a line reporting a failed or unreachable host.
	Failed bool
}

// Collector scans output for "<label>: <value>" and keeps the last value
// per host and label.
type Collector struct {
	mu       sync.Mutex
	labels   []string
	patterns []*regexp.Regexp
	captured map[string]map[string]string
	seen     map[string]bool
	failed   map[string]bool
}

func NewCollector(labels []string) *Collector {
	c := &Collector{
		labels:   labels,
		captured: map[string]map[string]string{},
		seen:     map[string]bool{},
		failed:   map[string]bool{},
	}
	for _, l := range labels {
		c.patterns = append(c.patterns, regexp.MustCompile(regexp.QuoteMeta(l)+`:\s*(.*)`))
	}
	return c
}

func (c *Collector) Observe(line OutputLine) {
	if line.Host == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[line.Host] = true
	if line.Failed {
		c.failed[line.Host] = true
	}
	for i, re := range c.patterns {
		m := re.FindStringSubmatch(line.Text)
		if m == nil {
			continue
		}
		v := strings.TrimSpace(m[1])
		if v == "" {
			continue
		}
		if c.captured[line.Host] == nil {
			c.captured[line.Host] = map[string]string{}
		}
		c.captured[line.Host][c.labels[i]] = v
	}
}

// Results holds what a run produced, keyed by host address.
type Results struct {
	Captured map[string]map[string]string
	// Seen lists every address that produced output.
	Seen []string
	// Failed lists addresses that reported a failure.
	Failed []string
}

func (c *Collector) Results() Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Results{Captured: map[string]map[string]string{}, Seen: sortedKeys(c.seen), Failed: sortedKeys(c.failed)}
	for host, m := range c.captured {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		res.Captured[host] = cp
	}
	return res
}
