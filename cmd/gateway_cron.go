package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/goclaw/gateway/internal/agent"
	"github.com/goclaw/gateway/internal/bus"
	"github.com/goclaw/gateway/internal/config"
	"github.com/goclaw/gateway/internal/cron"
	"github.com/goclaw/gateway/internal/sessions"
)

// makeCronJobHandler builds the cron.RunFunc dispatched by the cron
// scheduler's re-arming timer. The cron scheduler already routes the call
// through the "cron" lane of the shared scheduler, so this function talks to
// the agent router directly rather than scheduling again.
func makeCronJobHandler(router *agent.Router, msgBus *bus.MessageBus, cfg *config.Config) cron.RunFunc {
	return func(ctx context.Context, job *cron.CronJob) error {
		agentID := job.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}

		runID := fmt.Sprintf("cron:%s:%d", job.ID, time.Now().UnixNano())
		sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)

		result, err := router.Run(ctx, agentID, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    job.Payload.Text,
			RunID:      runID,
			Stream:     false,
			TraceTags:  []string{"cron", job.ID},
		})
		if err != nil {
			return err
		}

		return deliverCronResult(ctx, job, result, msgBus)
	}
}

// deliverCronResult routes a completed cron run's content to wherever its
// delivery plan says it should go, honoring legacy target fields merged in
// by cron.ResolveCronDeliveryPlan.
func deliverCronResult(ctx context.Context, job *cron.CronJob, result *agent.RunResult, msgBus *bus.MessageBus) error {
	plan := cron.ResolveCronDeliveryPlan(job)

	switch plan.Mode {
	case cron.DeliveryAnnounce:
		if plan.Channel == "" || plan.ChatID == "" {
			return nil
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: plan.Channel,
			ChatID:  plan.ChatID,
			Content: result.Content,
		})
		return nil

	case cron.DeliveryWebhook:
		if plan.WebhookURL == "" {
			return nil
		}
		return postCronWebhook(ctx, plan.WebhookURL, job, result)

	default:
		return nil
	}
}

func postCronWebhook(ctx context.Context, webhookURL string, job *cron.CronJob, result *agent.RunResult) error {
	body, err := json.Marshal(map[string]any{
		"job_id":  job.ID,
		"agent":   job.AgentID,
		"content": result.Content,
	})
	if err != nil {
		return fmt.Errorf("cron: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cron: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cron: webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cron: webhook %s returned status %d", webhookURL, resp.StatusCode)
	}
	return nil
}
