/*
issuer.go - Background issuance dispatcher

PURPOSE:
  Periodically converts matured pending rewards into issuance tasks and
  drives due tasks through their fulfillment agents. Also sweeps
  periodic balance resets.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Conversion: each matured bundle becomes Count unit tasks; the
    bundle row is deleted under the balance lock before the tasks are
    enqueued, so a crash in between under-issues (visible in the
    withheld-cost ledger) rather than double-issues
  - Execution: task outcomes map onto the task lifecycle - retryable
    failures go WAITING and re-queue, terminal failures go FAILED and
    raise an alert, terminated campaigns cancel their tasks

USAGE:
  issuer := NewIssuer(store, queue, agents, campaigns)
  issuer.Start()
  // ... later
  issuer.Stop()

SEE ALSO:
  - fulfillment/partner.go: the resumable partner protocol
  - loyalty/pipeline.go: SweepResets
*/
package api

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/fulfillment"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

// IssuerStore is the persistence surface the dispatcher needs.
type IssuerStore interface {
	loyalty.Store
	loyalty.DueScanner
}

// Issuer converts matured pending rewards and runs issuance tasks.
type Issuer struct {
	Store         IssuerStore
	Queue         tasks.Queue
	Agents        map[loyalty.RewardConfigID]fulfillment.Agent
	Campaigns     map[loyalty.CampaignID]loyalty.Campaign
	CheckInterval time.Duration
	RetryDelay    time.Duration
	Enabled       bool

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewIssuer creates a dispatcher with hourly checks and a one-hour
// retry delay.
func NewIssuer(store IssuerStore, queue tasks.Queue, agents map[loyalty.RewardConfigID]fulfillment.Agent, campaigns map[loyalty.CampaignID]loyalty.Campaign) *Issuer {
	return &Issuer{
		Store:         store,
		Queue:         queue,
		Agents:        agents,
		Campaigns:     campaigns,
		CheckInterval: 1 * time.Hour,
		RetryDelay:    1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the dispatcher.
func (is *Issuer) Start() {
	is.mu.Lock()
	defer is.mu.Unlock()

	if !is.Enabled {
		log.Println("[Issuer] Disabled, not starting")
		return
	}

	is.ticker = time.NewTicker(is.CheckInterval)
	is.wg.Add(1)

	go is.run()

	log.Printf("[Issuer] Started with check interval: %v", is.CheckInterval)
}

// Stop stops the dispatcher.
func (is *Issuer) Stop() {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.ticker != nil {
		is.ticker.Stop()
		close(is.stop)
		is.wg.Wait()
		log.Println("[Issuer] Stopped")
	}
}

func (is *Issuer) run() {
	defer is.wg.Done()

	// Run immediately on start
	is.RunNow()

	for {
		select {
		case <-is.ticker.C:
			is.RunNow()
		case <-is.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (also used by tests and admin).
func (is *Issuer) RunNow() {
	ctx := context.Background()
	is.convertDue(ctx)
	is.runDueTasks(ctx)
	is.sweepResets(ctx)
}

// =============================================================================
// CONVERSION - matured bundles become unit tasks
// =============================================================================

func (is *Issuer) convertDue(ctx context.Context) {
	now := is.Now()
	due, err := is.Store.DuePendingRewards(ctx, now)
	if err != nil {
		log.Printf("[Issuer] Error scanning due pending rewards: %v", err)
		return
	}

	for _, bundle := range due {
		campaign, ok := is.Campaigns[bundle.CampaignID]
		if !ok {
			log.Printf("[Issuer] Pending reward %s references unknown campaign %s, skipping", bundle.ID, bundle.CampaignID)
			continue
		}
		if err := is.convertBundle(ctx, campaign, bundle, now); err != nil {
			log.Printf("[Issuer] Error converting pending reward %s: %v", bundle.ID, err)
		}
	}
}

func (is *Issuer) convertBundle(ctx context.Context, campaign loyalty.Campaign, bundle loyalty.PendingReward, now time.Time) error {
	// Re-read and delete under the lock: a concurrent refund may have
	// shrunk or removed the bundle since the scan.
	var confirmed *loyalty.PendingReward
	err := is.Store.WithBalanceLock(ctx, bundle.AccountHolderID, bundle.CampaignID, func(tx loyalty.BalanceTx) error {
		rows, err := tx.PendingRewards()
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.ID == bundle.ID {
				if row.ConversionDate.After(now) {
					return nil
				}
				confirmed = row
				return tx.DeletePendingReward(row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if confirmed == nil {
		return nil
	}

	// A terminated campaign still clears its backlog, but nothing is
	// fulfilled for it.
	if campaign.Terminated() {
		log.Printf("[Issuer] Campaign %s terminated, dropping %d matured unit(s) for %s",
			campaign.ID, confirmed.Count, confirmed.AccountHolderID)
		return nil
	}

	for i := int64(0); i < confirmed.Count; i++ {
		_, err := is.Queue.Enqueue(ctx, map[string]string{
			"campaign_id":       string(confirmed.CampaignID),
			"account_holder_id": string(confirmed.AccountHolderID),
			"reward_config_id":  string(campaign.RewardConfigID),
			"pending_reward_id": confirmed.ID,
			"value":             strconv.FormatInt(confirmed.Value, 10),
			"reason":            "reward goal reached",
		})
		if err != nil {
			return err
		}
		rewardsConverted.WithLabelValues(string(campaign.ID)).Inc()
	}
	log.Printf("[Issuer] Converted pending reward %s into %d task(s) for %s/%s",
		confirmed.ID, confirmed.Count, confirmed.AccountHolderID, confirmed.CampaignID)
	return nil
}

// =============================================================================
// EXECUTION - due tasks run through their agents
// =============================================================================

func (is *Issuer) runDueTasks(ctx context.Context) {
	due, err := is.Queue.Due(ctx, is.Now())
	if err != nil {
		log.Printf("[Issuer] Error scanning due tasks: %v", err)
		return
	}

	for _, task := range due {
		if err := is.runTask(ctx, task); err != nil {
			log.Printf("[Issuer] Error running task %s: %v", task.ID(), err)
		}
	}
}

func (is *Issuer) runTask(ctx context.Context, task tasks.Task) error {
	params, err := task.Params(ctx)
	if err != nil {
		return err
	}

	campaign, ok := is.Campaigns[loyalty.CampaignID(params["campaign_id"])]
	if !ok || campaign.Terminated() {
		issuanceOutcomes.WithLabelValues("cancelled").Inc()
		return task.UpdateStatus(ctx, tasks.StatusCancelled, "campaign cancelled or ended")
	}

	agent, ok := is.Agents[campaign.RewardConfigID]
	if !ok {
		issuanceOutcomes.WithLabelValues("failed").Inc()
		log.Printf("[Issuer] ALERT: no agent configured for reward config %s (task %s)", campaign.RewardConfigID, task.ID())
		return task.UpdateStatus(ctx, tasks.StatusFailed, "no agent for reward config "+string(campaign.RewardConfigID))
	}

	value, _ := strconv.ParseInt(params["value"], 10, 64)
	req := fulfillment.IssueRequest{
		CampaignID:      campaign.ID,
		AccountHolderID: loyalty.AccountHolderID(params["account_holder_id"]),
		RewardConfigID:  campaign.RewardConfigID,
		Reason:          params["reason"],
		Value:           value,
	}

	reward, err := agent.IssueReward(ctx, req, task)
	switch {
	case err == nil:
		issuanceOutcomes.WithLabelValues("success").Inc()
		log.Printf("[Issuer] Issued reward %s to %s (task %s)", reward.ID, req.AccountHolderID, task.ID())
		return task.UpdateStatus(ctx, tasks.StatusSuccess, "")

	case errors.Is(err, loyalty.ErrPoolExhausted):
		// Exhaustion is terminal for the task and urgent for operators.
		issuanceOutcomes.WithLabelValues("failed").Inc()
		log.Printf("[Issuer] ALERT: reward pool exhausted for campaign %s (task %s)", campaign.ID, task.ID())
		return task.UpdateStatus(ctx, tasks.StatusFailed, err.Error())

	case fulfillment.IsRetryable(err):
		issuanceOutcomes.WithLabelValues("retry").Inc()
		if statusErr := task.UpdateStatus(ctx, tasks.StatusWaiting, err.Error()); statusErr != nil {
			return statusErr
		}
		at, requeueErr := is.Queue.Requeue(ctx, task, is.RetryDelay)
		if requeueErr != nil {
			return requeueErr
		}
		log.Printf("[Issuer] Task %s retries at %v: %v", task.ID(), at, err)
		return nil

	default:
		issuanceOutcomes.WithLabelValues("failed").Inc()
		log.Printf("[Issuer] ALERT: task %s failed terminally: %v", task.ID(), err)
		return task.UpdateStatus(ctx, tasks.StatusFailed, err.Error())
	}
}

// =============================================================================
// PERIODIC RESETS
// =============================================================================

func (is *Issuer) sweepResets(ctx context.Context) {
	processor := loyalty.NewProcessor(is.Store)
	processor.Now = is.Now
	n, err := processor.SweepResets(ctx, is.Store, is.Campaigns)
	if err != nil {
		log.Printf("[Issuer] Error sweeping balance resets: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Issuer] Reset %d balance(s)", n)
	}
}
