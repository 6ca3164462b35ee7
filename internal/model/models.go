// Package model defines domain structs shared across the persistence layer.
package model

// StockStatus is the lifecycle state of a produced suffix.
type StockStatus string

// Stock item lifecycle states.
const (
	StockAvailable StockStatus = "available"
	StockLeased    StockStatus = "leased"
	StockConsumed  StockStatus = "consumed"
	StockExpired   StockStatus = "expired"
	StockInvalid   StockStatus = "invalid"
)

// IsValid reports whether s is a known stock status.
func (s StockStatus) IsValid() bool {
	switch s {
	case StockAvailable, StockLeased, StockConsumed, StockExpired, StockInvalid:
		return true
	}
	return false
}

// LeaseStatus is the lifecycle state of a rotation lease.
type LeaseStatus string

// Lease lifecycle states.
const (
	LeaseLeased   LeaseStatus = "leased"
	LeaseConsumed LeaseStatus = "consumed"
	LeaseFailed   LeaseStatus = "failed"
	LeaseExpired  LeaseStatus = "expired"
)

// IsValid reports whether s is a known lease status.
func (s LeaseStatus) IsValid() bool {
	switch s {
	case LeaseLeased, LeaseConsumed, LeaseFailed, LeaseExpired:
		return true
	}
	return false
}

// TaskStatus is the aggregate state of a click task.
type TaskStatus string

// Click task states.
const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// TaskItemStatus is the state of a single scheduled click.
type TaskItemStatus string

// Click task item states.
const (
	ItemPending   TaskItemStatus = "pending"
	ItemExecuting TaskItemStatus = "executing"
	ItemSuccess   TaskItemStatus = "success"
	ItemFailed    TaskItemStatus = "failed"
	ItemCancelled TaskItemStatus = "cancelled"
)

// AlertType identifies an alert rule.
type AlertType string

// Alert rule identifiers.
const (
	AlertLowStock        AlertType = "low_stock"
	AlertLeaseTimeout    AlertType = "lease_timeout"
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertNoStockFrequent AlertType = "no_stock_frequent"
	AlertSystemHealth    AlertType = "system_health"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

// Alert severities.
const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Campaign is the per-user Google Ads campaign metadata imported from sheets
// or lazily created by the lease engine when meta is supplied. Never hard-deleted.
type Campaign struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CampaignID  string `json:"campaign_id"`
	Name        string `json:"name"`
	Country     string `json:"country"` // ISO-2 uppercase, "" when unknown
	FinalURL    string `json:"final_url"`
	CID         string `json:"cid"`
	MCCID       string `json:"mcc_id"`
	Active      bool   `json:"active"`
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
	DeletedAtNs int64  `json:"deleted_at_ns"` // 0 = live
}

// AffiliateLink is a redirect entry point owned by a campaign. The effective
// link is the highest-priority enabled non-deleted row.
type AffiliateLink struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CampaignID  string `json:"campaign_id"`
	TargetURL   string `json:"target_url"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"` // higher wins
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
	DeletedAtNs int64  `json:"deleted_at_ns"`
}

// ClickState tracks the click counters for one (user, campaign) pair.
//
// Invariant: LastAppliedClicks is monotonically non-decreasing within a
// calendar day; a same-day observation below it triggers a daily reset to 0.
type ClickState struct {
	UserID            string `json:"user_id"`
	CampaignID        string `json:"campaign_id"`
	LastAppliedClicks int64  `json:"last_applied_clicks"`
	LastObservedClicks int64 `json:"last_observed_clicks"`
	LastObservedAtNs  int64  `json:"last_observed_at_ns"`
	UpdatedAtNs       int64  `json:"updated_at_ns"`
}

// StockItem is one produced tracking suffix.
type StockItem struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	CampaignID      string      `json:"campaign_id"`
	Suffix          string      `json:"suffix"`
	SuffixHash      string      `json:"suffix_hash"` // xxh3-128 hex of Suffix
	Status          StockStatus `json:"status"`
	ExitIP          string      `json:"exit_ip"`
	ExitCountry     string      `json:"exit_country"`
	AffiliateLinkID string      `json:"affiliate_link_id"`
	CreatedAtNs     int64       `json:"created_at_ns"`
	LeasedAtNs      int64       `json:"leased_at_ns"`
	ConsumedAtNs    int64       `json:"consumed_at_ns"`
	ExpiredAtNs     int64       `json:"expired_at_ns"`
	DeletedAtNs     int64       `json:"deleted_at_ns"`
}

// Lease is one rotation attempt binding a stock item to an observed
// click increment. (UserID, IdempotencyKey) is unique.
type Lease struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	CampaignID        string      `json:"campaign_id"`
	StockItemID       string      `json:"stock_item_id"`
	IdempotencyKey    string      `json:"idempotency_key"`
	NowClicks         int64       `json:"now_clicks"`
	WindowStartEpoch  int64       `json:"window_start_epoch"`
	Status            LeaseStatus `json:"status"`
	Applied           bool        `json:"applied"`
	ErrorMessage      string      `json:"error_message"`
	LeasedAtNs        int64       `json:"leased_at_ns"`
	AckedAtNs         int64       `json:"acked_at_ns"`
	CreatedAtNs       int64       `json:"created_at_ns"`
	UpdatedAtNs       int64       `json:"updated_at_ns"`
	DeletedAtNs       int64       `json:"deleted_at_ns"`
}

// ProxyProvider is one upstream SOCKS5 proxy credential. Lower priority wins.
// Username may contain {COUNTRY}, {country}, {random:N} and {session:N}
// placeholders expanded at dial time.
type ProxyProvider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Priority    int    `json:"priority"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Enabled     bool   `json:"enabled"`
	UserIDs     []string `json:"user_ids"` // assignment set; empty = all users
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// ExitIPUsage records one exit IP observed for (user, campaign). A triple seen
// within the last 24h disqualifies that exit IP from reselection.
type ExitIPUsage struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CampaignID  string `json:"campaign_id"`
	ExitIP      string `json:"exit_ip"`
	Country     string `json:"country"`
	UsedAtNs    int64  `json:"used_at_ns"`
	ExpiresAtNs int64  `json:"expires_at_ns"`
}

// ClickTask is a queued rotation-flood of N simulated clicks.
type ClickTask struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CampaignID      string     `json:"campaign_id"`
	TargetURL       string     `json:"target_url"`
	TargetClicks    int        `json:"target_clicks"`
	CompletedClicks int        `json:"completed_clicks"`
	FailedClicks    int        `json:"failed_clicks"`
	Status          TaskStatus `json:"status"`
	CreatedAtNs     int64      `json:"created_at_ns"`
	UpdatedAtNs     int64      `json:"updated_at_ns"`
}

// ClickTaskItem is one scheduled click belonging to a task.
type ClickTaskItem struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	ScheduledAtNs int64          `json:"scheduled_at_ns"`
	Status        TaskItemStatus `json:"status"`
	ExitIP        string         `json:"exit_ip"`
	ErrorMessage  string         `json:"error_message"`
	DurationMs    int64          `json:"duration_ms"`
	UpdatedAtNs   int64          `json:"updated_at_ns"`
}

// Alert is one evaluated alert row.
type Alert struct {
	ID           string     `json:"id"`
	Type         AlertType  `json:"type"`
	Level        AlertLevel `json:"level"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	MetadataJSON string     `json:"metadata_json"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAtNs  int64      `json:"created_at_ns"`
}

// AuditRecord is one producer/lease audit event, written asynchronously.
type AuditRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CampaignID  string `json:"campaign_id"`
	Action      string `json:"action"` // produced | no_stock | lease_apply | ack_fail | expired
	DetailJSON  string `json:"detail_json"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// APIKey authenticates one external script user. The raw token is never
// stored; only its SHA-256 hex digest.
type APIKey struct {
	UserID      string `json:"user_id"`
	TokenSHA256 string `json:"token_sha256"`
	Suspended   bool   `json:"suspended"`
	CreatedAtNs int64  `json:"created_at_ns"`
}
