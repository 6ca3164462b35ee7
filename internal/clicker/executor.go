package clicker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/tracker"
)

const (
	maxItemsPerTick = 20

	clickMaxRedirects   = 15
	clickRequestTimeout = 25 * time.Second
	clickTotalTimeout   = 120 * time.Second
	clickRetryCount     = 1

	pacingMin = 3 * time.Second
	pacingMax = 9 * time.Second
)

// Service creates click tasks and executes their due items.
type Service struct {
	store    *store.Store
	selector *proxysel.Selector
	tracker  *tracker.Tracker

	// Trace bounds for one click fetch. Zero fields fall back to the
	// package defaults.
	TraceMaxRedirects   int
	TraceRequestTimeout time.Duration
	TraceTotalTimeout   time.Duration

	// pacing sleep, injectable for tests
	sleep func(d time.Duration)
}

func (s *Service) traceBounds() (redirects int, reqTimeout, totalTimeout time.Duration) {
	redirects, reqTimeout, totalTimeout = clickMaxRedirects, clickRequestTimeout, clickTotalTimeout
	if s.TraceMaxRedirects > 0 {
		redirects = s.TraceMaxRedirects
	}
	if s.TraceRequestTimeout > 0 {
		reqTimeout = s.TraceRequestTimeout
	}
	if s.TraceTotalTimeout > 0 {
		totalTimeout = s.TraceTotalTimeout
	}
	return redirects, reqTimeout, totalTimeout
}

func NewService(st *store.Store, selector *proxysel.Selector, tr *tracker.Tracker) *Service {
	return &Service{store: st, selector: selector, tracker: tr, sleep: time.Sleep}
}

// CreateTask schedules targetClicks items along the diurnal curve starting
// now and stores the task in one transaction.
func (s *Service) CreateTask(userID, campaignID, targetURL string, targetClicks int) (*model.ClickTask, error) {
	if targetURL == "" || targetClicks <= 0 {
		return nil, fmt.Errorf("clicker: targetUrl and positive targetClicks required")
	}

	task := &model.ClickTask{
		UserID:       userID,
		CampaignID:   campaignID,
		TargetURL:    targetURL,
		TargetClicks: targetClicks,
		Status:       model.TaskRunning,
	}

	times := Schedule(targetClicks, time.Now())
	items := make([]*model.ClickTaskItem, len(times))
	for i, at := range times {
		items[i] = &model.ClickTaskItem{ScheduledAtNs: at.UnixNano(), Status: model.ItemPending}
	}

	if err := s.store.ClickTasks.InsertTask(task, items); err != nil {
		return nil, err
	}
	log.Printf("[clicker] task %s: %d clicks scheduled for campaign %s", task.ID, targetClicks, campaignID)
	return task, nil
}

// Cancel stops a running task; pending items flip to cancelled atomically,
// executing items finish on their own.
func (s *Service) Cancel(id, userID string) error {
	return s.store.ClickTasks.CancelTask(id, userID)
}

// Tick executes up to maxItemsPerTick due items, serially per task with
// human pacing, then finalizes drained tasks.
func (s *Service) Tick(ctx context.Context) error {
	due, err := s.store.ClickTasks.DueItems(store.NowNs(), maxItemsPerTick)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// Group by task so one proxy iterator serves a whole task's items.
	byTask := make(map[string][]store.DueItem)
	var order []string
	for _, d := range due {
		if _, seen := byTask[d.TaskID]; !seen {
			order = append(order, d.TaskID)
		}
		byTask[d.TaskID] = append(byTask[d.TaskID], d)
	}

	for _, taskID := range order {
		items := byTask[taskID]
		s.executeTaskItems(ctx, items)
		if err := s.finalizeIfDrained(taskID); err != nil {
			log.Printf("[clicker] task %s: finalize: %v", taskID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) executeTaskItems(ctx context.Context, items []store.DueItem) {
	first := items[0]
	campaign, err := s.store.Campaigns.Find(first.UserID, first.CampaignID)
	country := ""
	if err == nil {
		country = campaign.Country
	}

	it, err := s.selector.NewIterator(first.UserID, country, first.CampaignID)
	if err != nil {
		log.Printf("[clicker] task %s: proxy iterator: %v", first.TaskID, err)
		return
	}

	for i, d := range items {
		if ctx.Err() != nil {
			return
		}

		ok, err := s.store.ClickTasks.MarkItemExecuting(d.Item.ID)
		if err != nil {
			log.Printf("[clicker] item %s: mark executing: %v", d.Item.ID, err)
			continue
		}
		if !ok {
			continue // picked up elsewhere or cancelled mid-tick
		}

		s.executeItem(ctx, it, d, country)

		if i < len(items)-1 {
			s.sleep(pacingMin + time.Duration(rand.Int63n(int64(pacingMax-pacingMin))))
		}
	}
}

// executeItem runs one simulated click: fresh proxy pick, random identity,
// full redirect trace, result recorded with the task counters.
func (s *Service) executeItem(ctx context.Context, it *proxysel.Iterator, d store.DueItem, country string) {
	start := time.Now()

	// Force a fresh proxy per click for exit diversity.
	it.ResetTried()
	sel, err := it.Next(ctx)
	if errors.Is(err, proxysel.ErrNoProxyAvailable) {
		s.record(d, false, "", "NO_PROXY_AVAILABLE", time.Since(start))
		return
	}
	if err != nil {
		s.record(d, false, "", err.Error(), time.Since(start))
		return
	}
	defer sel.Close()

	redirects, reqTimeout, totalTimeout := s.traceBounds()
	res := s.tracker.Trace(ctx, tracker.Request{
		URL:            d.TargetURL,
		Outbound:       sel.Outbound,
		UserAgent:      randomUserAgent(),
		InitialReferer: randomReferrer(),
		MaxRedirects:   redirects,
		RequestTimeout: reqTimeout,
		TotalTimeout:   totalTimeout,
		RetryCount:     clickRetryCount,
	})

	if res.Success {
		if err := s.selector.RecordUse(d.UserID, d.CampaignID, sel, country); err != nil {
			log.Printf("[clicker] item %s: record exit ip: %v", d.Item.ID, err)
		}
		s.record(d, true, sel.ExitIP, "", res.Duration)
		return
	}
	s.record(d, false, sel.ExitIP, res.ErrorMessage, res.Duration)
}

func (s *Service) record(d store.DueItem, success bool, exitIP, errMsg string, dur time.Duration) {
	if err := s.store.ClickTasks.RecordItemResult(d.Item.ID, d.TaskID, success, exitIP, errMsg, dur.Milliseconds()); err != nil {
		log.Printf("[clicker] item %s: record result: %v", d.Item.ID, err)
	}
}

func (s *Service) finalizeIfDrained(taskID string) error {
	open, err := s.store.ClickTasks.OpenItemCount(taskID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	return s.store.ClickTasks.FinalizeTask(taskID)
}
