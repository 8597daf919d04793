package classification

import (
	"context"
	"fmt"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// =============================================================================
// Recommended labels & actions seeded for new accounts
// =============================================================================

type recommendedAction struct {
	Name            string
	Function        domain.ActionFunction
	Instructions    string
	ToolDescription string
}

type recommendedLabel struct {
	Name         string
	Prompt       string
	Instructions string
	Priority     int
	Actions      []domain.ActionFunction
}

var recommendedActions = []recommendedAction{
	{"Draft Reply", domain.ActionDraftReply,
		"Draft a professional reply addressing the sender's questions or requests. Use the account's writing style if available.",
		"Create a draft email reply for review before sending"},
	{"Send Reply", domain.ActionSendReply,
		"Send a templated reply immediately. Only for standard confirmations, receipts or acknowledgements, never for business communication that needs review.",
		"Send an automated/templated email reply immediately (for standardised responses only)"},
	{"Create Job", domain.ActionCreateJob,
		"Create a job record. Extract location, service type, customer info and dates.",
		"Create a job record from email inquiry"},
	{"Schedule", domain.ActionSchedule,
		"Schedule a meeting, appointment or follow-up. Extract date, time and location.",
		"Schedule a meeting or appointment"},
	{"Archive Email", domain.ActionArchiveEmail,
		"Archive the email (remove from inbox). Use for informational or completed emails.",
		"Archive email from inbox"},
	{"Mark as Spam", domain.ActionMarkAsSpam,
		"Mark the email as spam. Use for unwanted or junk emails.",
		"Mark email as spam"},
	{"Delete Email", domain.ActionDeleteEmail,
		"Delete the email. Use for spam or unwanted emails that should be removed.",
		"Delete email permanently"},
	{"Forward Email", domain.ActionForwardEmail,
		"Forward the email to the recipients given as 'to: a@example.com, b@example.com'.",
		"Forward email to recipients"},
}

var recommendedLabels = []recommendedLabel{
	// Business communication
	{"Quotes", "Requests for a quote, pricing, estimate, proposal or bid.",
		"Extract location, service type, scope and deadlines. Create a job for serious inquiries and draft a quote response. High priority when a deadline is mentioned.",
		4, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionCreateJob}},
	{"Job Inquiry", "New job inquiries, project requests or potential work from prospective clients.",
		"Extract job details and contact information, create a job record and draft a reply asking for anything missing.",
		4, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionCreateJob}},
	{"Scheduling", "Scheduling, meetings, appointments, site visits or calendar coordination.",
		"Extract date, time, location and purpose. Schedule it and draft a confirmation.",
		3, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionSchedule}},
	{"Complaint", "Customer complaints, problems or negative feedback.",
		"Urgent. Extract what went wrong and who was involved, draft an empathetic reply and track resolution at priority 5.",
		5, []domain.ActionFunction{domain.ActionDraftReply}},
	{"Invoice", "Invoices, billing and payment requests.",
		"Extract amount, due date, invoice number and counterparty. Note the due date and archive for records.",
		3, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
	{"Documents", "Contracts, agreements and legal documents that need review, signature or action.",
		"Extract parties, dates, obligations and deadlines. Acknowledge receipt. High priority if a signature is due.",
		4, []domain.ActionFunction{domain.ActionDraftReply}},
	{"Support Ticket", "Support requests, technical issues and customer service inquiries.",
		"Extract the issue and steps already tried. Draft a reply with next steps.",
		3, []domain.ActionFunction{domain.ActionDraftReply}},

	// Automated & system
	{"Newsletter", "Publications, industry newsletters and subscriptions.",
		"Informational. Archive or mark as read.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
	{"Marketing", "Promotions, offers, sales and marketing campaigns.",
		"Archive or delete unless relevant. May be marked as spam.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail, domain.ActionMarkAsSpam}},
	{"Notification", "Alerts, status updates and system notifications.",
		"Read and archive unless it reports a problem.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
	{"Receipt", "Purchase confirmations, payment receipts and order confirmations.",
		"Archive for records. No reply needed.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
	{"Calendar", "Calendar invitations, meeting requests and event confirmations.",
		"Extract meeting details and schedule them.",
		2, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionSchedule}},

	// Relationship & networking
	{"Investor", "Emails from investors or about investment.",
		"Draft a considered reply and schedule a meeting if requested.",
		4, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionSchedule}},
	{"Supplier", "Suppliers, vendors and partners providing goods or services.",
		"Extract order, delivery and pricing details. Archive invoices and receipts.",
		3, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
	{"Cold Email", "Unsolicited sales pitches and cold outreach from unknown senders.",
		"Archive or delete. May be marked as spam.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionMarkAsSpam, domain.ActionDeleteEmail, domain.ActionArchiveEmail}},
	{"Networking", "Introductions, referrals and relationship building that is not a direct inquiry.",
		"Draft a friendly reply and schedule a meeting if requested.",
		2, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionSchedule}},

	// Organisational
	{"Spam", "Spam, junk or unwanted email.",
		"Delete or mark as spam. No reply.",
		1, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionMarkAsSpam, domain.ActionDeleteEmail}},
	{"Personal", "Personal emails from friends or family, unrelated to business.",
		"Archive or leave as-is. No business action.",
		2, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionArchiveEmail}},
}

// RecommendedActionsFor returns the action functions linked to a recommended label.
func RecommendedActionsFor(labelName string) []domain.ActionFunction {
	for _, l := range recommendedLabels {
		if labelKey(l.Name) == labelKey(labelName) {
			return l.Actions
		}
	}
	return nil
}

// Seeder installs the recommended labels and actions for an account.
type Seeder struct {
	labelRepo  out.LabelRepository
	actionRepo out.ActionRepository
}

// NewSeeder creates a Seeder.
func NewSeeder(labelRepo out.LabelRepository, actionRepo out.ActionRepository) *Seeder {
	return &Seeder{labelRepo: labelRepo, actionRepo: actionRepo}
}

// SeedRecommended creates missing recommended actions and labels and links them.
// Existing labels and actions are left untouched, so it is safe to run repeatedly.
func (s *Seeder) SeedRecommended(ctx context.Context, accountID int64) error {
	actions := make(map[domain.ActionFunction]*domain.Action, len(recommendedActions))

	for _, ra := range recommendedActions {
		existing, err := s.actionRepo.FindByFunction(ctx, accountID, ra.Function)
		if err != nil {
			return fmt.Errorf("find action %s: %w", ra.Function, err)
		}
		if existing == nil {
			existing = &domain.Action{
				AccountID:       accountID,
				Name:            ra.Name,
				Function:        ra.Function,
				Instructions:    ra.Instructions,
				ToolDescription: ra.ToolDescription,
			}
			if err := s.actionRepo.Create(ctx, existing); err != nil {
				return fmt.Errorf("create action %s: %w", ra.Function, err)
			}
		}
		actions[ra.Function] = existing
	}

	created := 0
	for _, rl := range recommendedLabels {
		existing, err := s.labelRepo.FindByName(ctx, accountID, rl.Name)
		if err != nil {
			return fmt.Errorf("find label %s: %w", rl.Name, err)
		}
		if existing != nil {
			continue
		}

		label := &domain.Label{
			AccountID:    accountID,
			Name:         rl.Name,
			Prompt:       rl.Prompt,
			Instructions: rl.Instructions,
			Priority:     rl.Priority,
			IsActive:     true,
		}
		if err := s.labelRepo.Create(ctx, label); err != nil {
			return fmt.Errorf("create label %s: %w", rl.Name, err)
		}
		created++

		for pos, fn := range rl.Actions {
			action, ok := actions[fn]
			if !ok {
				continue
			}
			if err := s.labelRepo.LinkAction(ctx, label.ID, action.ID, pos); err != nil {
				return fmt.Errorf("link %s to %s: %w", fn, rl.Name, err)
			}
		}
	}

	logger.Info("[Seeder.SeedRecommended] account=%d labels_created=%d", accountID, created)
	return nil
}
