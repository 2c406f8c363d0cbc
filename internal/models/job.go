package models

import "time"

// JobType selects the target-resolution routine for a scheduled job.
type JobType string

const (
	JobTypeContractReminder   JobType = "contract_reminder"
	JobTypeMarketingCampaign  JobType = "marketing_campaign"
	JobTypeSystemNotification JobType = "system_notification"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeContractReminder, JobTypeMarketingCampaign, JobTypeSystemNotification:
		return true
	}
	return false
}

// ScheduledJob is a recurring campaign or reminder driven by a cron
// expression. Criteria is an opaque filter object interpreted per job type.
type ScheduledJob struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Type       JobType                `json:"type"`
	CronExpr   string                 `json:"cronExpr"`
	Criteria   map[string]interface{} `json:"criteria,omitempty"`
	TemplateID string                 `json:"templateId"`
	Active     bool                   `json:"active"`
	RunCount   int                    `json:"runCount"`
	LastRunAt  *time.Time             `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time             `json:"nextRunAt,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// Contract is the slice of the external customer directory the scheduler
// needs to resolve contract-expiry reminders.
type Contract struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Reference  string    `json:"reference"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// User is the slice of the external user directory used for campaign and
// broadcast targeting.
type User struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone,omitempty"`
	Type         string     `json:"type,omitempty"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
}
