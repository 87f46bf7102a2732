// Package integration_test contains integration tests for the x402 Go SDK.
// This file specifically tests the EVM exact-scheme mechanism end to end.
// These tests make REAL on-chain transactions using private keys from environment variables.
package integration_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/x402-go/x402"
	"github.com/x402-go/x402/mechanisms/evm"
	evmsigners "github.com/x402-go/x402/signers/evm"
	"github.com/x402-go/x402/types"
)

// newRealClientEvmSigner creates a client signer using the helper
func newRealClientEvmSigner(privateKeyHex string) (evm.ClientEvmSigner, error) {
	return evmsigners.NewClientSignerFromPrivateKey(privateKeyHex)
}

// localEvmFacilitatorClient bridges the byte-based FacilitatorClient interface
// to the struct-based local x402Facilitator used in-process by these tests.
type localEvmFacilitatorClient struct {
	facilitator *x402.X402Facilitator
}

func (l *localEvmFacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (x402.VerifyResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.VerifyResponse{IsValid: false}, err
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.VerifyResponse{IsValid: false}, err
	}
	return l.facilitator.Verify(ctx, payload, requirements)
}

func (l *localEvmFacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (x402.SettleResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.SettleResponse{Success: false}, err
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.SettleResponse{Success: false}, err
	}
	return l.facilitator.Settle(ctx, payload, requirements)
}

func (l *localEvmFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return l.facilitator.GetSupported(), nil
}

// TestEVMIntegrationV2 exercises the full client / resource server / facilitator
// payment flow for the exact scheme on Base Sepolia with real on-chain settlement.
func TestEVMIntegrationV2(t *testing.T) {
	clientPrivateKey := os.Getenv("EVM_CLIENT_PRIVATE_KEY")
	facilitatorPrivateKey := os.Getenv("EVM_FACILITATOR_PRIVATE_KEY")
	resourceServerAddress := os.Getenv("EVM_RESOURCE_SERVER_ADDRESS")

	if clientPrivateKey == "" || facilitatorPrivateKey == "" || resourceServerAddress == "" {
		t.Skip("Skipping EVM integration test: EVM_CLIENT_PRIVATE_KEY, EVM_FACILITATOR_PRIVATE_KEY, and EVM_RESOURCE_SERVER_ADDRESS must be set")
	}

	t.Run("EVM V2 Flow - x402Client / x402ResourceServer / x402Facilitator", func(t *testing.T) {
		ctx := context.Background()

		clientSigner, err := newRealClientEvmSigner(clientPrivateKey)
		if err != nil {
			t.Fatalf("Failed to create client signer: %v", err)
		}

		client := x402.Newx402Client()
		evmClient := evm.NewExactEvmClient(clientSigner)
		client.RegisterScheme("eip155:84532", evmClient)

		rpcClient, err := ethclient.Dial("https://sepolia.base.org")
		if err != nil {
			t.Fatalf("Failed to connect to RPC: %v", err)
		}
		facilitatorSigner, err := evmsigners.NewFacilitatorSigner(ctx, facilitatorPrivateKey, rpcClient)
		if err != nil {
			t.Fatalf("Failed to create facilitator signer: %v", err)
		}

		facilitator := x402.Newx402Facilitator()
		evmFacilitator := evm.NewExactEvmFacilitator(facilitatorSigner)
		facilitator.RegisterScheme("eip155:84532", evmFacilitator)

		facilitatorClient := &localEvmFacilitatorClient{facilitator: facilitator}

		evmService := evm.NewExactEvmService()
		server := x402.Newx402ResourceServer(
			x402.WithFacilitatorClient(facilitatorClient),
			x402.WithSchemeServer("eip155:84532", evmService),
		)

		if err := server.Initialize(ctx); err != nil {
			t.Fatalf("Failed to initialize server: %v", err)
		}

		accepts := []x402.PaymentRequirements{
			{
				Scheme:  evm.SchemeExact,
				Network: "eip155:84532",
				Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Amount:  "1000",
				PayTo:   resourceServerAddress,
				Extra: map[string]interface{}{
					"name":    "USDC",
					"version": "2",
				},
			},
		}
		resource := x402.ResourceInfo{
			URL:         "https://api.example.com/premium",
			Description: "Premium API Access",
			MimeType:    "application/json",
		}
		paymentRequiredResponse := server.CreatePaymentRequiredResponse(x402.ProtocolVersion, accepts, resource, "", nil)

		if paymentRequiredResponse.X402Version != 2 {
			t.Errorf("Expected X402Version 2, got %d", paymentRequiredResponse.X402Version)
		}

		selected, err := client.SelectPaymentRequirements(paymentRequiredResponse.X402Version, accepts)
		if err != nil {
			t.Fatalf("Failed to select payment requirements: %v", err)
		}

		selectedBytes, err := json.Marshal(selected)
		if err != nil {
			t.Fatalf("Failed to marshal requirements: %v", err)
		}

		var resourceV2 *types.ResourceInfoV2
		if paymentRequiredResponse.Resource != nil {
			resourceV2 = &types.ResourceInfoV2{
				URL:         paymentRequiredResponse.Resource.URL,
				Description: paymentRequiredResponse.Resource.Description,
				MimeType:    paymentRequiredResponse.Resource.MimeType,
			}
		}

		payloadBytes, err := client.CreatePaymentPayload(ctx, paymentRequiredResponse.X402Version, selectedBytes, resourceV2, paymentRequiredResponse.Extensions)
		if err != nil {
			t.Fatalf("Failed to create payment payload: %v", err)
		}

		paymentPayload, err := types.ToPaymentPayloadV2(payloadBytes)
		if err != nil {
			t.Fatalf("Failed to unmarshal payment payload: %v", err)
		}

		if paymentPayload.X402Version != 2 {
			t.Errorf("Expected payload X402Version 2, got %d", paymentPayload.X402Version)
		}
		if paymentPayload.Accepted.Scheme != evm.SchemeExact {
			t.Errorf("Expected scheme %s, got %s", evm.SchemeExact, paymentPayload.Accepted.Scheme)
		}

		evmPayload, err := evm.PayloadFromMap(paymentPayload.Payload)
		if err != nil {
			t.Fatalf("Failed to parse EVM payload: %v", err)
		}
		if evmPayload.Authorization.From != clientSigner.Address() {
			t.Errorf("Expected from address %s, got %s", clientSigner.Address(), evmPayload.Authorization.From)
		}
		if evmPayload.Authorization.Value != "1000" {
			t.Errorf("Expected value 1000, got %s", evmPayload.Authorization.Value)
		}

		accepted := server.FindMatchingRequirements(accepts, payloadBytes)
		if accepted == nil {
			t.Fatal("No matching payment requirements found")
		}

		acceptedBytes, err := json.Marshal(accepted)
		if err != nil {
			t.Fatalf("Failed to marshal accepted requirements: %v", err)
		}

		verifyResponse, err := server.VerifyPayment(ctx, payloadBytes, acceptedBytes)
		if err != nil {
			t.Fatalf("Failed to verify payment: %v", err)
		}
		if !verifyResponse.IsValid {
			t.Fatalf("Payment verification failed: %s", verifyResponse.InvalidReason)
		}
		if !strings.EqualFold(verifyResponse.Payer, clientSigner.Address()) {
			t.Errorf("Expected payer %s, got %s", clientSigner.Address(), verifyResponse.Payer)
		}

		settleResponse, err := server.SettlePayment(ctx, payloadBytes, acceptedBytes)
		if err != nil {
			t.Fatalf("Failed to settle payment: %v", err)
		}
		if !settleResponse.Success {
			t.Fatalf("Payment settlement failed: %s", settleResponse.ErrorReason)
		}
		if settleResponse.Transaction == "" {
			t.Error("Expected transaction hash in settlement response")
		}
		if settleResponse.Network != "eip155:84532" {
			t.Errorf("Expected network eip155:84532, got %s", settleResponse.Network)
		}
		if !strings.EqualFold(settleResponse.Payer, clientSigner.Address()) {
			t.Errorf("Expected payer %s, got %s", clientSigner.Address(), settleResponse.Payer)
		}
	})
}
