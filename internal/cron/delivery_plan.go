package cron

// DeliveryPlan is the resolved answer to "where does this job's output
// go", after merging the structured Delivery block with the older
// payload-level target/to fields some jobs still carry.
type DeliveryPlan struct {
	Mode       DeliveryMode
	Channel    string
	ChatID     string
	WebhookURL string

	// SuppressMainSessionDuplicate is true for DeliveryAnnounce jobs:
	// the job's own run already posts to Channel/ChatID, so the caller
	// must not also echo the result into the agent's main session.
	SuppressMainSessionDuplicate bool
}

// ResolveCronDeliveryPlan merges job.Delivery with its legacy
// target/to fields into one DeliveryPlan. The structured block wins
// when both are present; legacy fields only fill gaps it leaves.
func ResolveCronDeliveryPlan(job *CronJob) DeliveryPlan {
	d := job.Delivery
	plan := DeliveryPlan{
		Mode:       d.Mode,
		Channel:    d.Channel,
		ChatID:     d.ChatID,
		WebhookURL: d.WebhookURL,
	}

	if plan.Mode == "" {
		if d.LegacyTarget == "webhook" {
			plan.Mode = DeliveryWebhook
		} else if d.LegacyTarget != "" || d.LegacyTo != "" {
			plan.Mode = DeliveryAnnounce
		} else {
			plan.Mode = DeliveryNone
		}
	}
	if plan.ChatID == "" {
		plan.ChatID = d.LegacyTo
	}
	if plan.Channel == "" && d.LegacyTarget != "" && d.LegacyTarget != "webhook" {
		plan.Channel = d.LegacyTarget
	}

	plan.SuppressMainSessionDuplicate = plan.Mode == DeliveryAnnounce
	return plan
}
