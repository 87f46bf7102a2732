package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/x402-go/x402/types"
)

// X402Facilitator is the exported alias for x402Facilitator, used by callers outside this package.
type X402Facilitator = x402Facilitator

// x402Facilitator manages payment verification and settlement
// This is used by payment processors that execute on-chain transactions
type x402Facilitator struct {
	mu sync.RWMutex

	// Nested map: version -> network -> scheme -> facilitator implementation
	schemes map[int]map[Network]map[string]SchemeNetworkFacilitator

	// Extensions this facilitator supports (e.g., "bazaar", "sign_in_with_x")
	extensions []string

	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// Newx402Facilitator creates a new facilitator
func Newx402Facilitator() *x402Facilitator {
	return &x402Facilitator{
		schemes:    make(map[int]map[Network]map[string]SchemeNetworkFacilitator),
		extensions: []string{},
	}
}

// RegisterScheme registers a payment mechanism for protocol v2
func (f *x402Facilitator) RegisterScheme(network Network, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	return f.registerScheme(ProtocolVersion, network, facilitator)
}

// RegisterSchemeV1 registers a payment mechanism for protocol v1
func (f *x402Facilitator) RegisterSchemeV1(network Network, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	return f.registerScheme(ProtocolVersionV1, network, facilitator)
}

// registerScheme internal method to register schemes
func (f *x402Facilitator) registerScheme(version int, network Network, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Initialize nested maps if needed
	if f.schemes[version] == nil {
		f.schemes[version] = make(map[Network]map[string]SchemeNetworkFacilitator)
	}
	if f.schemes[version][network] == nil {
		f.schemes[version][network] = make(map[string]SchemeNetworkFacilitator)
	}

	// Register the facilitator for this scheme
	f.schemes[version][network][facilitator.Scheme()] = facilitator

	return f
}

// RegisterExtension registers a protocol extension
func (f *x402Facilitator) RegisterExtension(extension string) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Check if already registered
	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// OnBeforeVerify registers a hook to execute before payment verification.
func (f *x402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

// OnAfterVerify registers a hook to execute after successful payment verification.
func (f *x402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

// OnVerifyFailure registers a hook to execute when payment verification fails.
func (f *x402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

// OnBeforeSettle registers a hook to execute before payment settlement.
func (f *x402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

// OnAfterSettle registers a hook to execute after successful payment settlement.
func (f *x402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

// OnSettleFailure registers a hook to execute when payment settlement fails.
func (f *x402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// Verify checks if a payment is valid without executing it
// Bridge method: keeps struct API, uses bytes internally
func (f *x402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	afterHooks := f.afterVerifyHooks
	failureHooks := f.onVerifyFailureHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err == nil && result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	verifyResult, verifyErr := f.verify(ctx, payload, requirements)

	if verifyErr == nil {
		resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: verifyResult}
		for _, hook := range afterHooks {
			if err := hook(resultCtx); err != nil {
				log.Printf("x402: afterVerify hook error: %v", err)
			}
		}
		return verifyResult, nil
	}

	failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: verifyErr}
	for _, hook := range failureHooks {
		result, err := hook(failureCtx)
		if err == nil && result != nil && result.Recovered {
			return result.Result, nil
		}
	}

	return verifyResult, verifyErr
}

// verify performs the actual verification, bridging to the byte-based mechanism API.
func (f *x402Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Marshal to bytes for mechanism
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return VerifyResponse{IsValid: false}, err
	}

	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return VerifyResponse{IsValid: false}, err
	}

	// Detect version
	version, err := types.DetectVersion(payloadBytes)
	if err != nil {
		return VerifyResponse{IsValid: false}, err
	}

	// Extract scheme/network from requirements for routing
	reqInfo, err := types.ExtractRequirementsInfo(requirementsBytes)
	if err != nil {
		return VerifyResponse{IsValid: false}, err
	}

	// Find facilitator for this version
	versionSchemes, exists := f.schemes[version]
	if !exists {
		return VerifyResponse{
				IsValid:       false,
			InvalidReason: fmt.Sprintf("unsupported x402 version: %d", version),
			}, &PaymentError{
				Code:    ErrCodeInvalidPayment,
			Message: fmt.Sprintf("x402 version %d not supported", version),
			}
	}

	// Find the appropriate facilitator by scheme/network
	facilitator := findByNetworkAndScheme(versionSchemes, reqInfo.Scheme, Network(reqInfo.Network))
	if facilitator == nil {
		return VerifyResponse{
				IsValid:       false,
			InvalidReason: fmt.Sprintf("unsupported scheme %s on network %s", reqInfo.Scheme, reqInfo.Network),
			}, &PaymentError{
				Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no facilitator for scheme %s on network %s", reqInfo.Scheme, reqInfo.Network),
			}
	}

	// The payload must name the same scheme/network as the requirements
	payloadScheme, payloadNetwork := payload.Accepted.Scheme, Network(payload.Accepted.Network)
	if version == ProtocolVersionV1 {
		payloadScheme, payloadNetwork = payload.Scheme, Network(payload.Network)
	}
	if payloadScheme != reqInfo.Scheme {
		return VerifyResponse{IsValid: false, InvalidReason: "scheme_mismatch"}, &PaymentError{
			Code:    ErrCodeSchemeMismatch,
			Message: fmt.Sprintf("payload scheme %q does not match requirements scheme %q", payloadScheme, reqInfo.Scheme),
		}
	}
	if !payloadNetwork.Match(Network(reqInfo.Network)) {
		return VerifyResponse{IsValid: false, InvalidReason: "network_mismatch"}, &PaymentError{
			Code:    ErrCodeNetworkMismatch,
			Message: fmt.Sprintf("payload network %q does not match requirements network %q", payloadNetwork, reqInfo.Network),
		}
	}

	// Delegate to mechanism (mechanism unmarshals to version-specific types)
	return facilitator.Verify(ctx, version, payloadBytes, requirementsBytes)
}

// Settle executes a payment on-chain
// Bridge method: keeps struct API, uses bytes internally
func (f *x402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	hookCtx := FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	afterHooks := f.afterSettleHooks
	failureHooks := f.onSettleFailureHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err == nil && result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason, Network: payload.Accepted.Network}, &PaymentError{
				Code:    ErrCodeSettlementFailed,
				Message: fmt.Sprintf("settlement aborted: %s", result.Reason),
			}
		}
	}

	settleResult, settleErr := f.settle(ctx, payload, requirements)

	if settleErr == nil {
		resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: settleResult}
		for _, hook := range afterHooks {
			if err := hook(resultCtx); err != nil {
				log.Printf("x402: afterSettle hook error: %v", err)
			}
		}
		return settleResult, nil
	}

	failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: settleErr}
	for _, hook := range failureHooks {
		result, err := hook(failureCtx)
		if err == nil && result != nil && result.Recovered {
			return result.Result, nil
		}
	}

	return settleResult, settleErr
}

// settle performs the actual settlement, bridging to the byte-based mechanism API.
func (f *x402Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Marshal to bytes for mechanism
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return SettleResponse{Success: false}, err
	}

	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return SettleResponse{Success: false}, err
	}

	// Detect version
	version, err := types.DetectVersion(payloadBytes)
	if err != nil {
		return SettleResponse{Success: false}, err
	}

	// Extract scheme/network for routing
	reqInfo, err := types.ExtractRequirementsInfo(requirementsBytes)
	if err != nil {
		return SettleResponse{Success: false}, err
	}

	// Find facilitator
	versionSchemes, exists := f.schemes[version]
	if !exists {
		return SettleResponse{
				Success:     false,
			ErrorReason: fmt.Sprintf("unsupported x402 version: %d", version),
				Network:     payload.Accepted.Network,
			}, &PaymentError{
				Code:    ErrCodeInvalidPayment,
			Message: fmt.Sprintf("x402 version %d not supported", version),
			}
	}

	facilitator := findByNetworkAndScheme(versionSchemes, reqInfo.Scheme, Network(reqInfo.Network))
	if facilitator == nil {
		return SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("unsupported scheme %s on network %s", reqInfo.Scheme, reqInfo.Network),
				Network:     payload.Accepted.Network,
			}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no facilitator for scheme %s on network %s", reqInfo.Scheme, reqInfo.Network),
			}
	}

	// Verify first; an invalid payment is never settled
	verifyResult, err := facilitator.Verify(ctx, version, payloadBytes, requirementsBytes)
	if err != nil {
		return SettleResponse{Success: false, Network: payload.Accepted.Network}, err
	}
	if !verifyResult.IsValid {
		return SettleResponse{Success: false, ErrorReason: verifyResult.InvalidReason, Payer: verifyResult.Payer, Network: payload.Accepted.Network}, &PaymentError{
			Code:    ErrCodeInvalidPayment,
			Message: fmt.Sprintf("payment verification failed: %s", verifyResult.InvalidReason),
		}
	}

	// Delegate to mechanism
	return facilitator.Settle(ctx, version, payloadBytes, requirementsBytes)
}

// GetSupported returns the payment kinds this facilitator supports
func (f *x402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	response := SupportedResponse{
		Kinds:      []SupportedKind{},
		Extensions: f.extensions,
	}

	// Build list of supported kinds
	for version, versionSchemes := range f.schemes {
		for network, schemes := range versionSchemes {
			for scheme := range schemes {
				response.Kinds = append(response.Kinds, SupportedKind{
					X402Version: version,
					Scheme:      scheme,
					Network:     network,
					Extra:       map[string]interface{}{},
				})
			}
		}
	}

	return response
}

// CanHandle checks if the facilitator can handle a payment type
func (f *x402Facilitator) CanHandle(version int, network Network, scheme string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	versionSchemes, exists := f.schemes[version]
	if !exists {
		return false
	}

	return findByNetworkAndScheme(versionSchemes, scheme, network) != nil
}

// LocalFacilitatorClient wraps a local facilitator to implement FacilitatorClient
// This allows using a local facilitator in the same process as the service
type LocalFacilitatorClient struct {
	facilitator *x402Facilitator
	identifier  string
}

// NewLocalFacilitatorClient creates a facilitator client backed by a local facilitator
func NewLocalFacilitatorClient(facilitator *x402Facilitator) *LocalFacilitatorClient {
	return &LocalFacilitatorClient{
		facilitator: facilitator,
		identifier:  "local",
	}
}

// Verify implements FacilitatorClient
// Bridge: converts bytes to structs for x402Facilitator
func (c *LocalFacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (VerifyResponse, error) {
	// Unmarshal to structs (x402Facilitator uses struct API)
	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return VerifyResponse{IsValid: false}, err
	}
	
	var requirements PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return VerifyResponse{IsValid: false}, err
	}
	
	return c.facilitator.Verify(ctx, payload, requirements)
}

// Settle implements FacilitatorClient
// Bridge: converts bytes to structs for x402Facilitator
func (c *LocalFacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (SettleResponse, error) {
	// Unmarshal to structs (x402Facilitator uses struct API)
	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return SettleResponse{Success: false}, err
	}
	
	var requirements PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return SettleResponse{Success: false}, err
	}
	
	return c.facilitator.Settle(ctx, payload, requirements)
}

// GetSupported implements FacilitatorClient
func (c *LocalFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	return c.facilitator.GetSupported(), nil
}

// MultiFacilitatorClient fans a verify/settle call out across several
// configured FacilitatorClients in order, returning the first success and
// keeping the last error if all fail. Used by the resource server when a
// (version, network, scheme) triple resolves to no specific facilitator and
// it must fall back to trying each in turn.
type MultiFacilitatorClient struct {
	clients []FacilitatorClient
}

// NewMultiFacilitatorClient builds a MultiFacilitatorClient over the given
// clients, tried in the given order.
func NewMultiFacilitatorClient(clients []FacilitatorClient) *MultiFacilitatorClient {
	return &MultiFacilitatorClient{clients: clients}
}

// Verify tries each client in order, returning the first successful
// response. If every client errors, returns the last error seen.
func (m *MultiFacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (VerifyResponse, error) {
	var lastErr error
	for _, client := range m.clients {
		resp, err := client.Verify(ctx, payloadBytes, requirementsBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &PaymentError{Code: ErrCodeUnsupportedNetwork, Message: "no facilitator configured"}
	}
	return VerifyResponse{IsValid: false, InvalidReason: "no facilitator available for verification"}, lastErr
}

// Settle tries each client in order, returning the first successful
// response. If every client errors, returns the last error seen.
func (m *MultiFacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (SettleResponse, error) {
	var lastErr error
	for _, client := range m.clients {
		resp, err := client.Settle(ctx, payloadBytes, requirementsBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &PaymentError{Code: ErrCodeSettlementFailed, Message: "no facilitator configured"}
	}
	return SettleResponse{Success: false, ErrorReason: "no facilitator available for settlement"}, lastErr
}

// GetSupported returns the first client's supported response, if any. Not
// generally meaningful for a fan-out client; provided to satisfy
// FacilitatorClient for callers that need one.
func (m *MultiFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	if len(m.clients) == 0 {
		return SupportedResponse{}, nil
	}
	return m.clients[0].GetSupported(ctx)
}
