package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/draftdesk/licensing/pkg/licensing"
)

const stripeWebhookBodyLimit = 1 << 20 // 1MiB

// handleStripeWebhook ingests billing events. Signature verification is the
// authentication mechanism for this endpoint: an event that does not verify
// against the webhook secret is rejected and logged, never applied.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if s.cfg.StripeWebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "stripe_unavailable", "Stripe webhook secret is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, stripeWebhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		// Intentionally vague; a missing signature is invalid auth.
		writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Rejected Stripe webhook with invalid signature")
		writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid Stripe signature")
		return
	}

	already, err := s.store.MarkBillingEventProcessed(r.Context(), event.ID, string(event.Type))
	if err != nil {
		internalError(w, "stripe-webhook", err)
		return
	}
	if already {
		// Stripe treats any 2xx as success.
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "duplicate"})
		return
	}

	if err := s.processBillingEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Stripe webhook processing failed")
		writeError(w, http.StatusInternalServerError, "stripe_processing_failed", "Failed to process Stripe webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) processBillingEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil {
		return errors.New("stripe event is nil")
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, session)
	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionChanged(ctx, sub, licensing.MapStripeStatus(sub.Status))
	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionChanged(ctx, sub, licensing.StatusCancelled)
	case "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handlePaymentFailed(ctx, inv)
	default:
		log.Info().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        string            `json:"customer"`
	Subscription    string            `json:"subscription"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// handleCheckoutCompleted creates the customer and license for a completed
// checkout. The license key is generated server-side exactly once per
// subscription: a replayed or duplicated event finds the existing license.
func (s *Server) handleCheckoutCompleted(ctx context.Context, session stripeCheckoutSession) error {
	subscriptionID := strings.TrimSpace(session.Subscription)
	if subscriptionID == "" {
		return errors.New("checkout session missing subscription")
	}
	email := strings.TrimSpace(session.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(session.CustomerEmail)
	}
	if email == "" {
		return errors.New("checkout session missing customer email")
	}

	if _, err := s.store.LicenseBySubscription(ctx, subscriptionID); err == nil {
		log.Info().Str("subscription_id", subscriptionID).Msg("Checkout already provisioned; license exists for subscription")
		return nil
	} else if !errors.Is(err, licensing.ErrInvalidKey) {
		return err
	}

	plan := licensing.Plan(strings.TrimSpace(session.Metadata["plan"]))
	if !licensing.ValidPlan(plan) || plan == licensing.PlanTrial {
		plan = licensing.PlanStandard
	}
	seats := 1
	if v := strings.TrimSpace(session.Metadata["seats"]); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			seats = n
		}
	}

	lic, err := s.store.CreateLicense(ctx, CreateLicenseParams{
		Email:          email,
		Name:           session.CustomerDetails.Name,
		PlanType:       plan,
		ExpirationDays: 31, // corrected by the first subscription.updated event
		MaxActivations: seats,
		SubscriptionID: subscriptionID,
		Status:         licensing.StatusActive,
	})
	if err != nil {
		return fmt.Errorf("create license for subscription %s: %w", subscriptionID, err)
	}

	log.Info().
		Str("key", lic.Key).
		Str("subscription_id", subscriptionID).
		Str("plan", string(plan)).
		Msg("Stripe checkout.session.completed processed")
	return nil
}

// handleSubscriptionChanged mutates the license tied to the subscription.
// Events are keyed by subscription id, never by license key.
func (s *Server) handleSubscriptionChanged(ctx context.Context, sub stripeSubscription, status licensing.Status) error {
	lic, err := s.store.LicenseBySubscription(ctx, sub.ID)
	if errors.Is(err, licensing.ErrInvalidKey) {
		log.Warn().Str("subscription_id", sub.ID).Msg("Stripe subscription event for unknown subscription; ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	var periodEnd time.Time
	if sub.CurrentPeriodEnd > 0 {
		periodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	}
	if err := s.store.UpdateLicenseStatus(ctx, lic.Key, status, periodEnd); err != nil {
		return err
	}

	log.Info().
		Str("key", lic.Key).
		Str("subscription_id", sub.ID).
		Str("status", string(status)).
		Msg("Stripe subscription event processed")
	return nil
}

func (s *Server) handlePaymentFailed(ctx context.Context, inv stripeInvoice) error {
	subscriptionID := strings.TrimSpace(inv.Subscription)
	if subscriptionID == "" {
		log.Warn().Str("invoice_id", inv.ID).Msg("Stripe invoice.payment_failed without subscription; ignoring")
		return nil
	}
	lic, err := s.store.LicenseBySubscription(ctx, subscriptionID)
	if errors.Is(err, licensing.ErrInvalidKey) {
		log.Warn().Str("subscription_id", subscriptionID).Msg("Stripe payment failure for unknown subscription; ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.UpdateLicenseStatus(ctx, lic.Key, licensing.StatusPastDue, time.Time{}); err != nil {
		return err
	}
	log.Info().
		Str("key", lic.Key).
		Str("subscription_id", subscriptionID).
		Msg("Stripe invoice.payment_failed processed; license marked past due")
	return nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("value %d is not positive", n)
	}
	return n, nil
}
