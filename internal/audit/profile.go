package audit

import (
	"math"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/profiler"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// selfTimeByURL sums sampled self time per script URL, in milliseconds.
// Samples from nodes without a URL (idle, GC, native) are dropped.
func selfTimeByURL(p *profiler.Profile) map[string]float64 {
	out := make(map[string]float64)
	if p == nil {
		return out
	}
	urls := make(map[int64]string, len(p.Nodes))
	for _, node := range p.Nodes {
		if node == nil || node.CallFrame == nil {
			continue
		}
		urls[node.ID] = node.CallFrame.URL
	}
	for i, nodeID := range p.Samples {
		if i >= len(p.TimeDeltas) {
			break
		}
		url := urls[nodeID]
		if url == "" {
			continue
		}
		delta := p.TimeDeltas[i]
		if delta < 0 {
			continue
		}
		out[url] += float64(delta) / 1000
	}
	return out
}

// scriptTracker records script URLs seen on the network during an audit.
type scriptTracker struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func newScriptTracker() *scriptTracker {
	return &scriptTracker{urls: make(map[string]struct{})}
}

func (s *scriptTracker) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeScript || resp.Response == nil || resp.Response.URL == "" {
		return
	}
	s.mu.Lock()
	s.urls[resp.Response.URL] = struct{}{}
	s.mu.Unlock()
}

func (s *scriptTracker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.urls))
	for u := range s.urls {
		out = append(out, u)
	}
	return out
}

// mergeScripts combines profiled self time with network-discovered scripts, which get 0 ms
// when the profile never sampled them. The result is sorted by descending cost, then URL.
func mergeScripts(selfTime map[string]float64, discovered []string) []analysis.ScriptCost {
	seen := make(map[string]struct{}, len(selfTime)+len(discovered))
	out := make([]analysis.ScriptCost, 0, len(selfTime)+len(discovered))
	for url, ms := range selfTime {
		seen[url] = struct{}{}
		out = append(out, analysis.ScriptCost{URL: url, CPUTimeMs: math.Round(ms*1000) / 1000})
	}
	for _, url := range discovered {
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, analysis.ScriptCost{URL: url})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CPUTimeMs != out[j].CPUTimeMs {
			return out[i].CPUTimeMs > out[j].CPUTimeMs
		}
		return out[i].URL < out[j].URL
	})
	return out
}
