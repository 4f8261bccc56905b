package api

import (
	"context"
	"errors"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/payments"
)

var errNotImplemented = errors.New("not implemented")

// mockBillingService implements billing.Service for testing
type mockBillingService struct {
	createUserFunc         func(ctx context.Context, req *billing.CreateUserRequest) (*billing.User, error)
	getUserFunc            func(ctx context.Context, id string) (*billing.User, error)
	listPlansFunc          func(ctx context.Context) ([]billing.Plan, error)
	createSubscriptionFunc func(ctx context.Context, req *billing.CreateSubscriptionRequest) (*billing.Subscription, error)
	getSubscriptionFunc    func(ctx context.Context, id string) (*billing.Subscription, error)
	cancelSubscriptionFunc func(ctx context.Context, id string) (*billing.Subscription, error)
	recordUsageFunc        func(ctx context.Context, req *billing.RecordUsageRequest) error
	generateInvoiceFunc    func(ctx context.Context, userID string) (*billing.InvoiceResult, error)
	getInvoiceFunc         func(ctx context.Context, id string) (*billing.Invoice, error)
	listInvoicesFunc       func(ctx context.Context, userID string) ([]billing.Invoice, error)
	listPaymentsFunc       func(ctx context.Context, userID string) ([]billing.Payment, error)
}

func (m *mockBillingService) CreateUser(ctx context.Context, req *billing.CreateUserRequest) (*billing.User, error) {
	if m.createUserFunc != nil {
		return m.createUserFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) GetUser(ctx context.Context, id string) (*billing.User, error) {
	if m.getUserFunc != nil {
		return m.getUserFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	if m.listPlansFunc != nil {
		return m.listPlansFunc(ctx)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) CreateSubscription(ctx context.Context, req *billing.CreateSubscriptionRequest) (*billing.Subscription, error) {
	if m.createSubscriptionFunc != nil {
		return m.createSubscriptionFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	if m.getSubscriptionFunc != nil {
		return m.getSubscriptionFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) CancelSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	if m.cancelSubscriptionFunc != nil {
		return m.cancelSubscriptionFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) RecordUsage(ctx context.Context, req *billing.RecordUsageRequest) error {
	if m.recordUsageFunc != nil {
		return m.recordUsageFunc(ctx, req)
	}
	return errNotImplemented
}

func (m *mockBillingService) GenerateInvoice(ctx context.Context, userID string) (*billing.InvoiceResult, error) {
	if m.generateInvoiceFunc != nil {
		return m.generateInvoiceFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	if m.getInvoiceFunc != nil {
		return m.getInvoiceFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) ListInvoices(ctx context.Context, userID string) ([]billing.Invoice, error) {
	if m.listInvoicesFunc != nil {
		return m.listInvoicesFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingService) ListPayments(ctx context.Context, userID string) ([]billing.Payment, error) {
	if m.listPaymentsFunc != nil {
		return m.listPaymentsFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

type mockVerifier struct {
	verifyFunc func(payload []byte, signature string) (*payments.Event, error)
}

func (m *mockVerifier) Verify(payload []byte, signature string) (*payments.Event, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(payload, signature)
	}
	return nil, billing.ErrVerification
}

type mockReconciler struct {
	handleFunc func(ctx context.Context, ev *payments.Event) (payments.Outcome, error)
	calls      int
}

func (m *mockReconciler) HandlePaymentEvent(ctx context.Context, ev *payments.Event) (payments.Outcome, error) {
	m.calls++
	if m.handleFunc != nil {
		return m.handleFunc(ctx, ev)
	}
	return payments.Outcome{EventID: ev.ID}, nil
}

type mockInitiator struct {
	initiateFunc func(ctx context.Context, invoiceID string) (*payments.Initiation, error)
}

func (m *mockInitiator) InitiatePayment(ctx context.Context, invoiceID string) (*payments.Initiation, error) {
	if m.initiateFunc != nil {
		return m.initiateFunc(ctx, invoiceID)
	}
	return nil, errNotImplemented
}
