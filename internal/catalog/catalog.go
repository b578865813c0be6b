// Package catalog holds the built-in tool matrix loaded into an empty registry.
package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
)

const (
	chatModel    = "gpt-4o-mini"
	voiceModel   = "eleven_multilingual_v2"
	sandboxModel = "echo4"
)

type entry struct {
	id        string
	name      string
	costUSD   string
	baseUnit  string
	billing   domain.BillingType
	model     string
	unitChars int64 // zero bills the caller's quantity
}

//nolint:gochecknoglobals // Static seed data.
var entries = []entry{
	{"business_mentor", "Business mentor (strategic consulting)", "0.015", "1 analysis", domain.BillingExecution, chatModel, 0},
	{"sales_today", "More sales today (action plans)", "0.025", "1 plan", domain.BillingExecution, chatModel, 0},
	{"landing_page", "Sales page copy", "0.060", "1 copy", domain.BillingExecution, chatModel, 0},
	{"viral_content", "Viral content calendar", "0.020", "1 calendar", domain.BillingExecution, chatModel, 0},
	{"seo_audit", "Website SEO improvements", "0.035", "1 analysis", domain.BillingExecution, chatModel, 0},
	{"ads_setup", "Ads campaign from scratch", "0.040", "1 campaign", domain.BillingExecution, chatModel, 0},
	{"cart_recovery", "Cart recovery script", "0.010", "1 script", domain.BillingExecution, chatModel, 0},
	{"support_ai", "Automated AI support", "0.010", "1 answer", domain.BillingExecution, chatModel, 0},
	{"coach_session", "AI coach session", "0.020", "1 chat", domain.BillingExecution, chatModel, 0},
	{"course_complete", "Full course generation", "0.200", "1 orchestration", domain.BillingExecution, chatModel, 0},
	{"voice_tts", "Neural voice narration", "0.300", "1K characters", domain.BillingExecution, voiceModel, 1000},
	{"sales_bot", "Sales bot", "0.020", "monthly per connected account", domain.BillingMonthly, "", 0},
	{"wa_instance", "WhatsApp instance", "2.750", "monthly per number", domain.BillingMonthly, "", 0},
	{"hosting_ai_course", "AI course hosting", "3.500", "per student per month", domain.BillingMonthly, "", 0},
	{"email_pack_50", "Email send pack (50)", "0.040", "pack of 50", domain.BillingVolumePack, "", 0},
	{"email_pack_100", "Email send pack (100)", "0.070", "pack of 100", domain.BillingVolumePack, "", 0},
	{"email_pack_500", "Email send pack (500)", "0.300", "pack of 500", domain.BillingVolumePack, "", 0},
	{"email_pack_1000", "Email send pack (1000)", "0.500", "pack of 1000", domain.BillingVolumePack, "", 0},
	{"sandbox_echo", "Sandbox echo (integration checks)", "0.001", "1 call", domain.BillingExecution, sandboxModel, 0},
}

// DefaultTargetMargin is the margin every seeded tool starts with.
//
//nolint:gochecknoglobals // Immutable decimal constant.
var DefaultTargetMargin = decimal.NewFromInt(100)

// Tools returns the seed catalog. Prices are left at zero so the registry
// derives them from the target margin at the settings in force.
func Tools() []domain.ToolCost {
	tools := make([]domain.ToolCost, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, domain.ToolCost{
			ToolID:       e.id,
			Name:         e.name,
			Model:        e.model,
			BaseUnit:     e.baseUnit,
			UnitChars:    e.unitChars,
			CostUSD:      decimal.RequireFromString(e.costUSD),
			BillingType:  e.billing,
			TargetMargin: DefaultTargetMargin,
			Active:       true,
		})
	}
	return tools
}
