package x402

import (
	"fmt"
	"strings"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSignatureInvalid   = "signature_invalid"
	ErrCodePaymentExpired     = "payment_expired"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
)

// RouteConfigurationError aggregates every configuration problem found
// across a route table in one pass: a payment option with no registered
// scheme handler, no supporting facilitator, or two routes that could both
// match the same request. Raised by x402ResourceServer.Initialize and by
// HTTP adapters at route-compilation time, rather than one violation at a
// time, so an operator fixes the whole table in one pass.
type RouteConfigurationError struct {
	Violations []string
}

func (e *RouteConfigurationError) Error() string {
	return fmt.Sprintf("route configuration: %s", strings.Join(e.Violations, "; "))
}

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ReasonCode classifies why a verify or settle attempt failed. The set is
// closed: every value here must have a matching New*Trace constructor.
type ReasonCode string

const (
	ReasonInsufficientFunds   ReasonCode = "insufficient_funds"
	ReasonSignatureInvalid    ReasonCode = "signature_invalid"
	ReasonSignatureExpired    ReasonCode = "signature_expired"
	ReasonSignatureNotYetValid ReasonCode = "signature_not_yet_valid"
	ReasonAmountMismatch      ReasonCode = "amount_mismatch"
	ReasonRecipientMismatch   ReasonCode = "recipient_mismatch"
	ReasonNetworkMismatch     ReasonCode = "network_mismatch"
	ReasonAssetMismatch       ReasonCode = "asset_mismatch"
	ReasonNonceAlreadyUsed    ReasonCode = "nonce_already_used"
	ReasonTransactionReverted ReasonCode = "transaction_reverted"
	ReasonTransactionTimeout  ReasonCode = "transaction_timeout"
	ReasonSmartWalletError    ReasonCode = "smart_wallet_error"
	ReasonUndeployedWallet    ReasonCode = "undeployed_wallet"
	ReasonFacilitatorError    ReasonCode = "facilitator_error"
	ReasonOther               ReasonCode = "other"
)

// RemediationAction names the action a client or operator should take in
// response to an IntentTrace.
type RemediationAction string

const (
	RemediationRetry        RemediationAction = "retry"
	RemediationRetryAfter   RemediationAction = "retry_after"
	RemediationTopUp        RemediationAction = "top_up"
	RemediationResubmit     RemediationAction = "resubmit"
	RemediationContactSupport RemediationAction = "contact_support"
	RemediationDeployWallet RemediationAction = "deploy_wallet"
	RemediationNone         RemediationAction = "none"
)

// Remediation suggests what the caller should do about a failed payment.
// Fields beyond Action are action-specific and optional.
type Remediation struct {
	Action            RemediationAction `json:"action"`
	Reason            string            `json:"reason,omitempty"`
	ShortfallAmount   string            `json:"shortfallAmount,omitempty"`
	WaitSeconds       int64             `json:"waitSeconds,omitempty"`
	CorrectedRecipient string           `json:"correctedRecipient,omitempty"`
	CorrectedAmount   string            `json:"correctedAmount,omitempty"`
}

// IntentTrace carries structured failure context alongside a VerifyResponse,
// SettleResponse or PaymentDecline. TraceSummary is capped at 500 characters
// by convention; Metadata is a flat, scalar-valued map.
type IntentTrace struct {
	ReasonCode   ReasonCode             `json:"reason_code"`
	TraceSummary string                 `json:"trace_summary,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Remediation  *Remediation           `json:"remediation,omitempty"`
}

func truncateSummary(summary string) string {
	if len(summary) <= 500 {
		return summary
	}
	return summary[:500]
}

// NewInsufficientFundsTrace builds the trace for a payer whose balance is
// short by shortfall, in the requirement's minor-unit asset amount.
func NewInsufficientFundsTrace(shortfall string, summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonInsufficientFunds,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationTopUp, ShortfallAmount: shortfall},
	}
}

// NewSignatureInvalidTrace builds the trace for a payload whose signature
// does not validate against the authorization it signs.
func NewSignatureInvalidTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonSignatureInvalid,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit},
	}
}

// NewSignatureExpiredTrace builds the trace for an authorization whose
// validity window has already closed.
func NewSignatureExpiredTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonSignatureExpired,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit},
	}
}

// NewSignatureNotYetValidTrace builds the trace for an authorization whose
// validity window has not started; waitSeconds is how long until it does.
func NewSignatureNotYetValidTrace(waitSeconds int64, summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonSignatureNotYetValid,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationRetryAfter, WaitSeconds: waitSeconds},
	}
}

// NewAmountMismatchTrace builds the trace for a payload authorizing a
// different amount than the matched PaymentRequirements demands.
func NewAmountMismatchTrace(correctedAmount string, summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonAmountMismatch,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit, CorrectedAmount: correctedAmount},
	}
}

// NewRecipientMismatchTrace builds the trace for a payload whose
// authorization pays someone other than the requirement's payTo.
func NewRecipientMismatchTrace(correctedRecipient string, summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonRecipientMismatch,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit, CorrectedRecipient: correctedRecipient},
	}
}

// NewNetworkMismatchTrace builds the trace for a payload signed for a
// different network than the matched requirement.
func NewNetworkMismatchTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonNetworkMismatch,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit},
	}
}

// NewAssetMismatchTrace builds the trace for a payload denominated in a
// different asset than the matched requirement.
func NewAssetMismatchTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonAssetMismatch,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit},
	}
}

// NewNonceAlreadyUsedTrace builds the trace for a replayed authorization.
func NewNonceAlreadyUsedTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonNonceAlreadyUsed,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationResubmit},
	}
}

// NewTransactionRevertedTrace builds the trace for a settlement whose
// on-chain transaction reverted.
func NewTransactionRevertedTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonTransactionReverted,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationContactSupport},
	}
}

// NewTransactionTimeoutTrace builds the trace for a settlement whose
// on-chain transaction never confirmed within the facilitator's deadline.
func NewTransactionTimeoutTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonTransactionTimeout,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationRetry},
	}
}

// NewSmartWalletErrorTrace builds the trace for a smart-contract-wallet
// payer whose validation call failed for a reason outside the scheme's
// authorization checks (e.g. a reverting isValidSignature implementation).
func NewSmartWalletErrorTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonSmartWalletError,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationContactSupport},
	}
}

// NewUndeployedWalletTrace builds the trace for a counterfactual
// smart-contract wallet that has not yet been deployed on-chain.
func NewUndeployedWalletTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonUndeployedWallet,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationDeployWallet},
	}
}

// NewFacilitatorErrorTrace builds the trace for a failure in the
// facilitator's own infrastructure, not attributable to the payer.
func NewFacilitatorErrorTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonFacilitatorError,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationRetry},
	}
}

// NewOtherTrace builds the trace for a failure that does not fit any other
// category in the taxonomy.
func NewOtherTrace(summary string) *IntentTrace {
	return &IntentTrace{
		ReasonCode:   ReasonOther,
		TraceSummary: truncateSummary(summary),
		Remediation:  &Remediation{Action: RemediationNone},
	}
}
