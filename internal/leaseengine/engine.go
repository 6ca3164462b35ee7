// Package leaseengine implements idempotent suffix lease allocation and
// acknowledgement over the stock inventory.
package leaseengine

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rotor-ads/rotor/internal/config"
	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/stock"
	"github.com/rotor-ads/rotor/internal/store"
)

// Stable engine outcomes surfaced through the API error envelope.
var (
	ErrValidation    = errors.New("VALIDATION_ERROR")
	ErrPendingImport = errors.New("PENDING_IMPORT")
	ErrNoStock       = errors.New("NO_STOCK")
	ErrLeaseNotFound = errors.New("LEASE_NOT_FOUND")
	ErrLeaseExpired  = errors.New("LEASE_EXPIRED")
)

// Lease response actions.
const (
	ActionApply = "APPLY"
	ActionNoop  = "NOOP"
)

// allocationRetries bounds how often an allocation retries after losing the
// conditional stock flip to a concurrent lease.
const allocationRetries = 3

// Meta is the campaign metadata the reporting script may attach to a lease
// call, allowing lazy campaign creation before the importer has run.
type Meta struct {
	CampaignName string `json:"campaignName"`
	Country      string `json:"country"`
	FinalURL     string `json:"finalUrl"`
	CID          string `json:"cid"`
	MCCID        string `json:"mccId"`
}

// LeaseRequest is one observed click increment asking for a rotation.
type LeaseRequest struct {
	CampaignID       string    `json:"campaignId"`
	NowClicks        int64     `json:"nowClicks"`
	ObservedAt       time.Time `json:"observedAt"`
	WindowStartEpoch int64     `json:"windowStartEpochSeconds"`
	IdempotencyKey   string    `json:"idempotencyKey"`
	Meta             *Meta     `json:"meta,omitempty"`
}

// LeaseResult is the positive outcome of a lease call.
type LeaseResult struct {
	Action         string `json:"action"`
	LeaseID        string `json:"leaseId,omitempty"`
	FinalURLSuffix string `json:"finalUrlSuffix,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// AckRequest reports the outcome of applying a leased suffix upstream.
type AckRequest struct {
	LeaseID      string `json:"leaseId"`
	CampaignID   string `json:"campaignId"`
	Applied      bool   `json:"applied"`
	AppliedAt    string `json:"appliedAt,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// AckResult is the outcome of an ack call. PreviousStatus is set when the
// lease was already terminal and the call was an idempotent replay.
type AckResult struct {
	OK             bool   `json:"ok"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// Engine runs the lease and ack state machines.
type Engine struct {
	store  *store.Store
	audit  *stock.AuditWriter
	policy config.LeasePolicy

	// fire-and-forget replenish trigger, wired to the stock producer
	replenish func(userID, campaignID string)
}

func New(st *store.Store, audit *stock.AuditWriter, policy config.LeasePolicy, replenish func(userID, campaignID string)) *Engine {
	if !policy.IsValid() {
		policy = config.LeasePolicyCombined
	}
	return &Engine{store: st, audit: audit, policy: policy, replenish: replenish}
}

// Lease hands out one suffix for an observed click increment. Safe under
// arbitrary retries: the same (userID, idempotencyKey) always returns the
// same lease without consuming additional stock.
func (e *Engine) Lease(userID string, req LeaseRequest) (*LeaseResult, error) {
	if err := validateLease(req); err != nil {
		return nil, err
	}

	// Idempotency short-circuit.
	if existing, suffixStr, err := e.store.Leases.FindByIdempotencyKey(userID, req.IdempotencyKey); err == nil {
		return &LeaseResult{
			Action:         ActionApply,
			LeaseID:        existing.ID,
			FinalURLSuffix: suffixStr,
			Reason:         "idempotent replay",
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := e.upsertCampaign(userID, req); err != nil {
		return nil, err
	}

	lastApplied, err := e.transitionClickState(userID, req)
	if err != nil {
		return nil, err
	}

	if req.NowClicks <= lastApplied {
		return &LeaseResult{
			Action: ActionNoop,
			Reason: fmt.Sprintf("nowClicks %d <= lastApplied %d", req.NowClicks, lastApplied),
		}, nil
	}

	result, err := e.allocate(userID, req)
	if err != nil {
		return nil, err
	}

	e.triggerReplenish(userID, req.CampaignID)
	return result, nil
}

func validateLease(req LeaseRequest) error {
	switch {
	case req.CampaignID == "":
		return fmt.Errorf("%w: campaignId is required", ErrValidation)
	case req.NowClicks < 0:
		return fmt.Errorf("%w: nowClicks must be >= 0", ErrValidation)
	case req.WindowStartEpoch <= 0:
		return fmt.Errorf("%w: windowStartEpochSeconds must be > 0", ErrValidation)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotencyKey is required", ErrValidation)
	}
	return nil
}

// upsertCampaign lazily creates or refreshes campaign metadata. A lease for
// an unknown campaign without meta cannot proceed until the importer runs.
func (e *Engine) upsertCampaign(userID string, req LeaseRequest) error {
	c, err := e.store.Campaigns.Find(userID, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		if req.Meta == nil {
			return fmt.Errorf("%w: campaign %s has no metadata", ErrPendingImport, req.CampaignID)
		}
		return e.store.Campaigns.Insert(&model.Campaign{
			UserID:     userID,
			CampaignID: req.CampaignID,
			Name:       req.Meta.CampaignName,
			Country:    strings.ToUpper(req.Meta.Country),
			FinalURL:   req.Meta.FinalURL,
			CID:        req.Meta.CID,
			MCCID:      req.Meta.MCCID,
			Active:     true,
		})
	}
	if err != nil {
		return err
	}
	if req.Meta == nil {
		return nil
	}

	country := strings.ToUpper(req.Meta.Country)
	if c.Name == req.Meta.CampaignName && c.Country == country && c.FinalURL == req.Meta.FinalURL &&
		c.CID == req.Meta.CID && c.MCCID == req.Meta.MCCID {
		return nil
	}
	c.Name = req.Meta.CampaignName
	c.Country = country
	c.FinalURL = req.Meta.FinalURL
	c.CID = req.Meta.CID
	c.MCCID = req.Meta.MCCID
	return e.store.Campaigns.UpdateMeta(c)
}

// transitionClickState applies the observation to the click-state row and
// returns the effective lastAppliedClicks after any daily reset.
func (e *Engine) transitionClickState(userID string, req LeaseRequest) (int64, error) {
	observedNs := req.ObservedAt.UnixNano()
	state, err := e.store.ClickStates.Get(userID, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		err := e.store.ClickStates.Insert(&model.ClickState{
			UserID:             userID,
			CampaignID:         req.CampaignID,
			LastAppliedClicks:  0,
			LastObservedClicks: req.NowClicks,
			LastObservedAtNs:   observedNs,
		})
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	// A lower counter on a new calendar day means Google reset the daily
	// metric; start the applied counter over.
	if !sameLocalDate(req.ObservedAt, time.Unix(0, state.LastObservedAtNs)) &&
		req.NowClicks < state.LastAppliedClicks {
		if err := e.store.ClickStates.ResetApplied(userID, req.CampaignID, req.NowClicks, observedNs); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if err := e.store.ClickStates.RefreshObservation(userID, req.CampaignID, req.NowClicks, observedNs); err != nil {
		return 0, err
	}
	return state.LastAppliedClicks, nil
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// allocate picks the oldest available item and commits the lease. The
// conditional stock flip inside the transaction loses against a concurrent
// allocation of the same row, in which case the next-oldest row is tried.
func (e *Engine) allocate(userID string, req LeaseRequest) (*LeaseResult, error) {
	if e.policy == config.LeasePolicyDeferred {
		// At most one un-acked lease per campaign.
		active, err := e.store.Leases.CountActiveLeased(userID, req.CampaignID)
		if err != nil {
			return nil, err
		}
		if active > 0 {
			return &LeaseResult{Action: ActionNoop, Reason: "previous lease pending ack"}, nil
		}
	}

	for attempt := 0; attempt < allocationRetries; attempt++ {
		item, err := e.store.Stock.OldestAvailable(userID, req.CampaignID)
		if errors.Is(err, store.ErrNotFound) {
			e.audit.Emit(userID, req.CampaignID, stock.AuditNoStock, map[string]any{"nowClicks": req.NowClicks})
			e.triggerReplenish(userID, req.CampaignID)
			return nil, fmt.Errorf("%w: campaign %s", ErrNoStock, req.CampaignID)
		}
		if err != nil {
			return nil, err
		}

		lease, committed, err := e.commitLease(userID, req, item)
		if err != nil {
			if store.IsUniqueViolation(err) {
				// Lost an idempotency race; the winner's lease is the answer.
				winner, suffixStr, ferr := e.store.Leases.FindByIdempotencyKey(userID, req.IdempotencyKey)
				if ferr != nil {
					return nil, ferr
				}
				return &LeaseResult{
					Action:         ActionApply,
					LeaseID:        winner.ID,
					FinalURLSuffix: suffixStr,
					Reason:         "idempotent replay",
				}, nil
			}
			return nil, err
		}
		if !committed {
			continue // stock row was taken concurrently, try the next one
		}

		e.audit.Emit(userID, req.CampaignID, stock.AuditLeaseApply, map[string]any{
			"leaseId": lease.ID, "nowClicks": req.NowClicks,
		})
		return &LeaseResult{
			Action:         ActionApply,
			LeaseID:        lease.ID,
			FinalURLSuffix: item.Suffix,
		}, nil
	}
	return nil, fmt.Errorf("%w: campaign %s: allocation contention", ErrNoStock, req.CampaignID)
}

// commitLease writes the lease and the stock flip in one transaction.
// Returns committed=false when the stock row was no longer available.
func (e *Engine) commitLease(userID string, req LeaseRequest, item *model.StockItem) (*model.Lease, bool, error) {
	now := store.NowNs()
	lease := &model.Lease{
		UserID:           userID,
		CampaignID:       req.CampaignID,
		StockItemID:      item.ID,
		IdempotencyKey:   req.IdempotencyKey,
		NowClicks:        req.NowClicks,
		WindowStartEpoch: req.WindowStartEpoch,
		LeasedAtNs:       now,
	}

	switch e.policy {
	case config.LeasePolicyDeferred:
		lease.Status = model.LeaseLeased
	default:
		// Combined: the client contract declares the rotation applied on
		// receipt, so the lease is born consumed and the counter bumps now.
		lease.Status = model.LeaseConsumed
		lease.Applied = true
		lease.AckedAtNs = now
	}

	committed := false
	err := e.store.WithTx(func(tx *sql.Tx) error {
		var ok bool
		var err error
		if e.policy == config.LeasePolicyDeferred {
			ok, err = e.store.Stock.MarkLeasedTx(tx, item.ID)
		} else {
			ok, err = e.store.Stock.MarkConsumedTx(tx, item.ID)
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil // row raced away; commit nothing
		}
		if err := e.store.Leases.InsertTx(tx, lease); err != nil {
			return err
		}
		if e.policy != config.LeasePolicyDeferred {
			if err := e.store.ClickStates.BumpAppliedTx(tx, userID, req.CampaignID, req.NowClicks); err != nil {
				return err
			}
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return lease, committed, nil
}

// Ack records the upstream outcome of a lease. Idempotent on terminal
// states; an applied=false ack recycles the stock item.
func (e *Engine) Ack(userID string, req AckRequest) (*AckResult, error) {
	if req.LeaseID == "" || req.CampaignID == "" {
		return nil, fmt.Errorf("%w: leaseId and campaignId are required", ErrValidation)
	}

	lease, err := e.store.Leases.Find(req.LeaseID, userID, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: lease %s", ErrLeaseNotFound, req.LeaseID)
	}
	if err != nil {
		return nil, err
	}

	switch lease.Status {
	case model.LeaseConsumed, model.LeaseFailed:
		return &AckResult{OK: true, PreviousStatus: string(lease.Status)}, nil
	case model.LeaseExpired:
		return nil, fmt.Errorf("%w: lease %s was reclaimed", ErrLeaseExpired, req.LeaseID)
	}

	if req.Applied {
		err = e.store.WithTx(func(tx *sql.Tx) error {
			if err := e.store.Leases.SetStatusTx(tx, lease.ID, model.LeaseConsumed, true, ""); err != nil {
				return err
			}
			if _, err := e.store.Stock.MarkConsumedTx(tx, lease.StockItemID); err != nil {
				return err
			}
			return e.store.ClickStates.BumpAppliedTx(tx, userID, req.CampaignID, lease.NowClicks)
		})
		if err != nil {
			return nil, err
		}
		return &AckResult{OK: true}, nil
	}

	err = e.store.WithTx(func(tx *sql.Tx) error {
		if err := e.store.Leases.SetStatusTx(tx, lease.ID, model.LeaseFailed, false, req.ErrorMessage); err != nil {
			return err
		}
		return e.store.Stock.RestoreAvailableTx(tx, lease.StockItemID)
	})
	if err != nil {
		return nil, err
	}
	e.audit.Emit(userID, req.CampaignID, stock.AuditAckFail, map[string]any{
		"leaseId": lease.ID, "error": req.ErrorMessage,
	})
	return &AckResult{OK: true}, nil
}

func (e *Engine) triggerReplenish(userID, campaignID string) {
	if e.replenish == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[lease] replenish trigger for %s panicked: %v", campaignID, r)
			}
		}()
		e.replenish(userID, campaignID)
	}()
}
