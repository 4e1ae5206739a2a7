// Package report compiles verification results into the run report: a
// summary block, per-region and per-protocol breakdowns, and the per-resource
// detail list.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

// UnknownRegion groups results whose server region is still unresolved.
const UnknownRegion = "Unknown"

const timeLayout = "2006-01-02 15:04:05"

// Details carries the HTTP facts of a subscription probe.
type Details struct {
	StatusCode    int    `json:"status_code,omitempty"`
	ContentLength int    `json:"content_length,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
}

// Result is one row of detailed_results.
type Result struct {
	ID           int64                  `json:"id"`
	URL          string                 `json:"url"`
	Protocol     catalog.Protocol       `json:"protocol"`
	Source       string                 `json:"source"`
	ServerRegion string                 `json:"server_region"`
	CrawlTime    time.Time              `json:"crawl_time"`
	Status       catalog.ResourceStatus `json:"status"`
	TestTime     string                 `json:"test_time"`
	TestLocation string                 `json:"test_location"`
	// ResponseTime is the probe wall time in seconds.
	ResponseTime     float64  `json:"response_time"`
	ErrorMessage     string   `json:"error_message"`
	SingboxVerified  bool     `json:"singbox_verified"`
	LocationVerified bool     `json:"location_verified"`
	Details          *Details `json:"details,omitempty"`
}

// NewResult combines a resource, its probe outcome and the resolved region.
func NewResult(res catalog.Resource, probe catalog.ProbeResult, region string, located bool, testedAt time.Time, testLocation string) Result {
	status := catalog.ResourceFailed
	if probe.Success {
		status = catalog.ResourceSuccess
	}
	out := Result{
		ID:               res.ID,
		URL:              res.URL,
		Protocol:         res.Protocol,
		Source:           res.Source,
		ServerRegion:     region,
		CrawlTime:        res.CrawlTime,
		Status:           status,
		TestTime:         testedAt.Format(timeLayout),
		TestLocation:     testLocation,
		ResponseTime:     round(probe.Elapsed.Seconds(), 3),
		ErrorMessage:     probe.Error,
		SingboxVerified:  probe.Success && !res.Protocol.IsSubscription(),
		LocationVerified: located,
	}
	if probe.StatusCode != 0 {
		out.Details = &Details{
			StatusCode:    probe.StatusCode,
			ContentLength: probe.ContentLength,
			ContentType:   probe.ContentType,
		}
	}
	return out
}

// Succeeded reports whether the probe passed.
func (r Result) Succeeded() bool {
	return r.Status == catalog.ResourceSuccess
}

// Stats is one breakdown bucket.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// SuccessRate is the bucket success percentage.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total) * 100
}

// Summary is the headline block.
type Summary struct {
	TotalResources int     `json:"total_resources"`
	Success        int     `json:"success"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
	// AvgResponseTime is the mean probe time over every result, in seconds.
	AvgResponseTime float64 `json:"avg_response_time"`
	TestTime        string  `json:"test_time"`
	TestLocation    string  `json:"test_location"`
	ThreadCount     int     `json:"thread_count"`
	// Timeout is the per-probe timeout in seconds.
	Timeout float64 `json:"timeout"`
}

// Report is the document written after each run.
type Report struct {
	RunID           string           `json:"run_id,omitempty"`
	Summary         Summary          `json:"summary"`
	RegionStats     map[string]Stats `json:"region_stats"`
	ProtocolStats   map[string]Stats `json:"protocol_stats"`
	DetailedResults []Result         `json:"detailed_results"`
}

// Meta describes the run that produced the results.
type Meta struct {
	RunID        string
	TestTime     time.Time
	TestLocation string
	ThreadCount  int
	Timeout      time.Duration
}

// Build aggregates results. Detailed results are ordered by resource id.
func Build(results []Result, meta Meta) Report {
	detailed := append([]Result(nil), results...)
	sort.SliceStable(detailed, func(i, j int) bool { return detailed[i].ID < detailed[j].ID })

	total := len(detailed)
	success := lo.CountBy(detailed, Result.Succeeded)
	summary := Summary{
		TotalResources: total,
		Success:        success,
		Failed:         total - success,
		TestTime:       meta.TestTime.Format(timeLayout),
		TestLocation:   meta.TestLocation,
		ThreadCount:    meta.ThreadCount,
		Timeout:        meta.Timeout.Seconds(),
	}
	if total > 0 {
		summary.SuccessRate = round(float64(success)/float64(total)*100, 2)
		summary.AvgResponseTime = round(lo.MeanBy(detailed, func(r Result) float64 { return r.ResponseTime }), 3)
	}

	return Report{
		RunID:   meta.RunID,
		Summary: summary,
		RegionStats: breakdown(detailed, func(r Result) string {
			if r.ServerRegion == "" {
				return UnknownRegion
			}
			return r.ServerRegion
		}),
		ProtocolStats:   breakdown(detailed, func(r Result) string { return string(r.Protocol) }),
		DetailedResults: detailed,
	}
}

func breakdown(results []Result, key func(Result) string) map[string]Stats {
	groups := lo.GroupBy(results, key)
	return lo.MapValues(groups, func(rows []Result, _ string) Stats {
		ok := lo.CountBy(rows, Result.Succeeded)
		return Stats{Total: len(rows), Success: ok, Failed: len(rows) - ok}
	})
}

// FileName is the report object name for a run finished at t.
func FileName(t time.Time) string {
	return "resource_test_report_" + t.Format("20060102_150405") + ".json"
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
