// Package cash implements a minimal, non-blockchain payment scheme used for
// local development and integration testing. A cash payment is a signed
// pledge string rather than a transferWithAuthorization signature, so the
// verification logic never touches a chain.
package cash

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	x402 "github.com/x402-go/x402"
)

// ============================================================================
// Cash Scheme Network Client
// ============================================================================

// SchemeNetworkClient implements the client side of the cash payment scheme.
type SchemeNetworkClient struct {
	payer string
}

// NewSchemeNetworkClient creates a new cash scheme client.
func NewSchemeNetworkClient(payer string) *SchemeNetworkClient {
	return &SchemeNetworkClient{
		payer: payer,
	}
}

// Scheme returns the payment scheme identifier.
func (c *SchemeNetworkClient) Scheme() string {
	return "cash"
}

// CreatePaymentPayload creates a partial payment payload for the cash scheme.
func (c *SchemeNetworkClient) CreatePaymentPayload(ctx context.Context, version int, requirementsBytes []byte) ([]byte, error) {
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, fmt.Errorf("cash: unmarshal requirements: %w", err)
	}

	validUntil := time.Now().Add(time.Duration(requirements.MaxTimeoutSeconds) * time.Second).Unix()

	partial := x402.PartialPaymentPayload{
		X402Version: version,
		Payload: map[string]interface{}{
			"signature":  fmt.Sprintf("~%s", c.payer),
			"validUntil": strconv.FormatInt(validUntil, 10),
			"name":       c.payer,
		},
	}
	return json.Marshal(partial)
}

// ============================================================================
// Cash Scheme Network Facilitator
// ============================================================================

// SchemeNetworkFacilitator implements the facilitator side of the cash payment scheme.
type SchemeNetworkFacilitator struct{}

// NewSchemeNetworkFacilitator creates a new cash scheme facilitator.
func NewSchemeNetworkFacilitator() *SchemeNetworkFacilitator {
	return &SchemeNetworkFacilitator{}
}

// Scheme returns the payment scheme identifier.
func (f *SchemeNetworkFacilitator) Scheme() string {
	return "cash"
}

func verifyCash(payload x402.PaymentPayload, requirements x402.PaymentRequirements) x402.VerifyResponse {
	signature, ok := payload.Payload["signature"].(string)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "missing_signature"}
	}

	name, ok := payload.Payload["name"].(string)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "missing_name"}
	}

	validUntilStr, ok := payload.Payload["validUntil"].(string)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "missing_validUntil"}
	}

	expectedSig := fmt.Sprintf("~%s", name)
	if signature != expectedSig {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_signature"}
	}

	validUntil, err := strconv.ParseInt(validUntilStr, 10, 64)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_validUntil"}
	}

	if validUntil < time.Now().Unix() {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "expired_signature",
			IntentTrace:   x402.NewSignatureExpiredTrace(fmt.Sprintf("cash authorization expired at %d", validUntil)),
		}
	}

	return x402.VerifyResponse{IsValid: true, Payer: signature}
}

// Verify verifies a payment payload against requirements.
func (f *SchemeNetworkFacilitator) Verify(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (x402.VerifyResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.VerifyResponse{IsValid: false}, fmt.Errorf("cash: unmarshal payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.VerifyResponse{IsValid: false}, fmt.Errorf("cash: unmarshal requirements: %w", err)
	}

	return verifyCash(payload, requirements), nil
}

// Settle settles a payment based on the payload and requirements.
func (f *SchemeNetworkFacilitator) Settle(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (x402.SettleResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.SettleResponse{Success: false}, fmt.Errorf("cash: unmarshal payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.SettleResponse{Success: false}, fmt.Errorf("cash: unmarshal requirements: %w", err)
	}

	verifyResponse := verifyCash(payload, requirements)
	if !verifyResponse.IsValid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResponse.InvalidReason,
			Payer:       verifyResponse.Payer,
			Network:     requirements.Network,
		}, nil
	}

	name, _ := payload.Payload["name"].(string)

	return x402.SettleResponse{
		Success:     true,
		Transaction: fmt.Sprintf("%s transferred %s %s to %s", name, requirements.Amount, requirements.Asset, requirements.PayTo),
		Network:     requirements.Network,
		Payer:       verifyResponse.Payer,
	}, nil
}

// ============================================================================
// Cash Scheme Network Server
// ============================================================================

// SchemeNetworkServer implements the resource-server side of the cash payment scheme.
type SchemeNetworkServer struct{}

// NewSchemeNetworkServer creates a new cash scheme server.
func NewSchemeNetworkServer() *SchemeNetworkServer {
	return &SchemeNetworkServer{}
}

// Scheme returns the payment scheme identifier.
func (s *SchemeNetworkServer) Scheme() string {
	return "cash"
}

// ParsePrice parses a price into asset amount format.
func (s *SchemeNetworkServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	if assetAmount, ok := price.(x402.AssetAmount); ok {
		return assetAmount, nil
	}

	if priceMap, ok := price.(map[string]interface{}); ok {
		amount, _ := priceMap["amount"].(string)
		asset, _ := priceMap["asset"].(string)
		if asset == "" {
			asset = "USD"
		}
		return x402.AssetAmount{Amount: amount, Asset: asset}, nil
	}

	if priceStr, ok := price.(string); ok {
		cleanPrice := strings.TrimPrefix(priceStr, "$")
		cleanPrice = strings.TrimSuffix(cleanPrice, " USD")
		cleanPrice = strings.TrimSuffix(cleanPrice, "USD")
		cleanPrice = strings.TrimSpace(cleanPrice)
		return x402.AssetAmount{Amount: cleanPrice, Asset: "USD"}, nil
	}

	if priceNum, ok := price.(float64); ok {
		return x402.AssetAmount{Amount: fmt.Sprintf("%.2f", priceNum), Asset: "USD"}, nil
	}

	if priceInt, ok := price.(int); ok {
		return x402.AssetAmount{Amount: strconv.Itoa(priceInt), Asset: "USD"}, nil
	}

	return x402.AssetAmount{}, fmt.Errorf("cash: invalid price format: %v", price)
}

// EnhancePaymentRequirements enhances payment requirements with cash-specific details.
func (s *SchemeNetworkServer) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind x402.SupportedKind,
	facilitatorExtensions []string,
) (x402.PaymentRequirements, error) {
	return requirements, nil
}

// ============================================================================
// Cash Facilitator Client
// ============================================================================

// FacilitatorClient adapts an in-process facilitator to the byte-based
// FacilitatorClient boundary used by resource servers.
type FacilitatorClient struct {
	facilitator *x402.X402Facilitator
}

// NewFacilitatorClient creates a new cash facilitator client.
func NewFacilitatorClient(facilitator *x402.X402Facilitator) *FacilitatorClient {
	return &FacilitatorClient{
		facilitator: facilitator,
	}
}

// Verify verifies a payment payload against requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (x402.VerifyResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.VerifyResponse{IsValid: false}, fmt.Errorf("cash: unmarshal payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.VerifyResponse{IsValid: false}, fmt.Errorf("cash: unmarshal requirements: %w", err)
	}
	return c.facilitator.Verify(ctx, payload, requirements)
}

// Settle settles a payment based on the payload and requirements.
func (c *FacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (x402.SettleResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.SettleResponse{Success: false}, fmt.Errorf("cash: unmarshal payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.SettleResponse{Success: false}, fmt.Errorf("cash: unmarshal requirements: %w", err)
	}
	return c.facilitator.Settle(ctx, payload, requirements)
}

// GetSupported gets supported payment kinds and extensions.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{
		Kinds: []x402.SupportedKind{
			{
				X402Version: 2,
				Scheme:      "cash",
				Network:     "x402:cash",
			},
		},
		Extensions: []string{},
	}, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

// BuildPaymentRequirements creates a payment requirements object for the cash scheme.
func BuildPaymentRequirements(payTo string, asset string, amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "cash",
		Network:           "x402:cash",
		Asset:             asset,
		Amount:            amount,
		PayTo:             payTo,
		MaxTimeoutSeconds: 1000,
	}
}
