// Package catalog defines the domain types shared by the catalog store, the
// classifier, the verification engine and the outer surfaces.
package catalog

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidURL is returned when a source URL has no recognizable scheme.
var ErrInvalidURL = errors.New("url has no recognizable scheme")

// Protocol identifies the family a classified URL belongs to.
type Protocol string

// Protocols recognized by the classifier, in scan order.
const (
	ProtocolSS         Protocol = "ss"
	ProtocolSSR        Protocol = "ssr"
	ProtocolVMess      Protocol = "vmess"
	ProtocolVLESS      Protocol = "vless"
	ProtocolTrojan     Protocol = "trojan"
	ProtocolTUIC       Protocol = "tuic"
	ProtocolHysteria2  Protocol = "hysteria2"
	ProtocolHysteria   Protocol = "hysteria"
	ProtocolWireGuard  Protocol = "wireguard"
	ProtocolSSH        Protocol = "ssh"
	ProtocolClashSub   Protocol = "clash_sub"
	ProtocolSingBoxSub Protocol = "singbox_sub"
)

// Protocols lists every protocol in classifier enumeration order.
var Protocols = []Protocol{
	ProtocolSS,
	ProtocolSSR,
	ProtocolVMess,
	ProtocolVLESS,
	ProtocolTrojan,
	ProtocolTUIC,
	ProtocolHysteria2,
	ProtocolHysteria,
	ProtocolWireGuard,
	ProtocolSSH,
	ProtocolClashSub,
	ProtocolSingBoxSub,
}

// IsSubscription reports whether the protocol is a subscription-list format
// that needs an accessibility probe before it enters the catalog.
func (p Protocol) IsSubscription() bool {
	return p == ProtocolClashSub || p == ProtocolSingBoxSub
}

// SourceStatus is the lifecycle state of a Source.
type SourceStatus string

// Source states. Deleted is a soft status; rows are never removed.
const (
	SourceActive  SourceStatus = "active"
	SourceDeleted SourceStatus = "deleted"
)

// ResourceStatus is the liveness state of a Resource.
type ResourceStatus string

// Resource states.
const (
	ResourcePending ResourceStatus = "pending"
	ResourceSuccess ResourceStatus = "success"
	ResourceFailed  ResourceStatus = "failed"
)

// PendingStatus is the state of a PendingSubscription.
type PendingStatus string

// Pending subscription states.
const (
	PendingWaiting  PendingStatus = "pending"
	PendingPromoted PendingStatus = "promoted"
)

// Placement reports where SaveResource left an item.
type Placement string

// Placement values.
const (
	PlacementExisting Placement = "existing"
	PlacementResource Placement = "resource"
	PlacementPending  Placement = "pending"
)

// Candidate is a classifier match that has not been persisted yet.
type Candidate struct {
	URL      string   `json:"url"`
	Protocol Protocol `json:"protocol"`
}

// Item is the ingest contract delivered by the crawling front-end.
type Item struct {
	URL       string    `json:"url"`
	Protocol  Protocol  `json:"protocol"`
	Source    string    `json:"source"`
	CrawlTime time.Time `json:"crawl_time"`
}

// Source is a seed URL tracked for periodic re-crawling.
type Source struct {
	ID             int64        `json:"id"`
	URL            string       `json:"url"`
	AddedAt        time.Time    `json:"added_at"`
	LastCrawlTime  *time.Time   `json:"last_crawl_time,omitempty"`
	Status         SourceStatus `json:"status"`
	SuccessCount   int          `json:"success_count"`
	FailCount      int          `json:"fail_count"`
	LastStatusCode *int         `json:"last_status_code,omitempty"`
	LastChecked    *time.Time   `json:"last_checked,omitempty"`
}

// Resource is a catalogued proxy URI or subscription link.
type Resource struct {
	ID               int64          `json:"id"`
	URL              string         `json:"url"`
	Protocol         Protocol       `json:"protocol"`
	Source           string         `json:"source"`
	SourceID         *int64         `json:"source_id,omitempty"`
	CrawlTime        time.Time      `json:"crawl_time"`
	Status           ResourceStatus `json:"status"`
	LastChecked      *time.Time     `json:"last_checked,omitempty"`
	ServerRegion     string         `json:"server_region,omitempty"`
	SingboxVerified  bool           `json:"singbox_verified"`
	LocationVerified bool           `json:"location_verified"`
}

// PendingSubscription is a subscription link waiting for a successful probe.
type PendingSubscription struct {
	ID              int64         `json:"id"`
	URL             string        `json:"url"`
	Protocol        Protocol      `json:"protocol"`
	Source          string        `json:"source"`
	CrawlTime       time.Time     `json:"crawl_time"`
	LastAttemptTime *time.Time    `json:"last_attempt_time,omitempty"`
	AttemptCount    int           `json:"attempt_count"`
	Status          PendingStatus `json:"status"`
}

// Verification is the outcome a verification worker writes back for one row.
type Verification struct {
	URL              string
	Status           ResourceStatus
	CheckedAt        time.Time
	Region           string
	SingboxVerified  bool
	LocationVerified bool
	// GeoProviders records which geolocation providers gave an accepted
	// answer for this row's address. Nil when no lookup ran.
	GeoProviders map[string]bool
}

// PromotionStats summarizes one PromotePendingSubscriptions pass.
type PromotionStats struct {
	Checked  int `json:"checked"`
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
}

// RowCounts reports table sizes.
type RowCounts struct {
	Sources   int64 `json:"sources"`
	Resources int64 `json:"resources"`
	Pending   int64 `json:"pending"`
}

// ValidSourceURL reports whether raw carries a recognizable scheme and host.
func ValidSourceURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}
