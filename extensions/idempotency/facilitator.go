package idempotency

import (
	"context"
	"encoding/json"
	"time"

	x402 "github.com/x402-go/x402"
)

// IdempotentFacilitator wraps an x402Facilitator with settlement idempotency.
//
// It intercepts Settle() calls to check for cached results before proceeding
// with blockchain transactions. This prevents duplicate transactions when
// clients retry during the pending confirmation window.
//
// Verify and GetSupported delegate directly to the wrapped facilitator.
type IdempotentFacilitator struct {
	inner        *x402.X402Facilitator
	store        SettlementStore
	keyGenerator KeyGenerator
}

// Wrap creates an IdempotentFacilitator that wraps the given facilitator.
//
// Default configuration:
//   - InMemoryStore with 10-minute TTL
//   - SHA256 key generator
//
// Use functional options to customize:
//
//	facilitator := idempotency.Wrap(baseFacilitator,
//	    idempotency.WithTTL(30 * time.Minute),
//	)
//
//	// Or with custom store
//	facilitator := idempotency.Wrap(baseFacilitator,
//	    idempotency.WithStore(myRedisStore),
//	)
func Wrap(facilitator *x402.X402Facilitator, opts ...Option) *IdempotentFacilitator {
	cfg := &config{
		ttl:          10 * time.Minute,
		keyGenerator: DefaultKeyGenerator,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	store := cfg.store
	if store == nil {
		store = NewInMemoryStore(cfg.ttl)
	}

	return &IdempotentFacilitator{
		inner:        facilitator,
		store:        store,
		keyGenerator: cfg.keyGenerator,
	}
}

// Settle settles a payment with idempotency protection.
//
// Before delegating to the wrapped facilitator, it:
// 1. Generates a unique key from the payment payload
// 2. Checks if a cached result exists (returns immediately if so)
// 3. Waits if another request is already settling this payment
// 4. Caches successful results for future requests
//
// Accepts and returns raw bytes, matching the version-agnostic boundary
// the rest of the facilitator client surface uses.
//
// Failed settlements are NOT cached, allowing legitimate retries.
func (f *IdempotentFacilitator) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.SettleResponse, error) {
	cacheKey := f.keyGenerator(payloadBytes)

	// Atomically check cache and mark in-flight to prevent race conditions
	status, result, done := f.store.CheckAndMark(cacheKey)

	switch status {
	case StatusCached:
		return result, nil

	case StatusInFlight:
		// Wait for the in-flight settlement to complete, respecting context cancellation
		result, err := f.store.WaitForResult(ctx, cacheKey, done)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// In-flight request failed, recursively retry (will get new in-flight slot)
		return f.Settle(ctx, payloadBytes, requirementsBytes)

	case StatusNotFound:
		// This request owns the in-flight slot, proceed with settlement
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		f.store.Fail(cacheKey, done)
		return nil, err
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		f.store.Fail(cacheKey, done)
		return nil, err
	}

	// Delegate to wrapped facilitator
	settleResult, settleErr := f.inner.Settle(ctx, payload, requirements)

	if settleErr != nil {
		// Don't cache failures - allow retries
		f.store.Fail(cacheKey, done)
		return &settleResult, settleErr
	}

	// Cache successful result
	f.store.Complete(cacheKey, &settleResult, done)
	return &settleResult, nil
}

// Verify delegates to the wrapped facilitator.
// Verification doesn't need idempotency as it's read-only.
func (f *IdempotentFacilitator) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, err
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, err
	}

	verifyResult, err := f.inner.Verify(ctx, payload, requirements)
	return &verifyResult, err
}

// GetSupported delegates to the wrapped facilitator.
func (f *IdempotentFacilitator) GetSupported() x402.SupportedResponse {
	return f.inner.GetSupported()
}

// Inner returns the wrapped facilitator for direct access.
//
// Use this to register schemes or extensions on the underlying facilitator:
//
//	wrapped := idempotency.Wrap(baseFacilitator)
//	wrapped.Inner().RegisterScheme("eip155:8453", scheme)
func (f *IdempotentFacilitator) Inner() *x402.X402Facilitator {
	return f.inner
}

// ============================================================================
// Convenience methods that delegate to Inner()
// ============================================================================

// RegisterScheme registers a facilitator mechanism for a network (V2).
// This is a convenience method that delegates to Inner().RegisterScheme().
func (f *IdempotentFacilitator) RegisterScheme(network x402.Network, facilitator x402.SchemeNetworkFacilitator) *IdempotentFacilitator {
	f.inner.RegisterScheme(network, facilitator)
	return f
}

// RegisterSchemeV1 registers a V1 facilitator mechanism for a network (legacy).
// This is a convenience method that delegates to Inner().RegisterSchemeV1().
func (f *IdempotentFacilitator) RegisterSchemeV1(network x402.Network, facilitator x402.SchemeNetworkFacilitator) *IdempotentFacilitator {
	f.inner.RegisterSchemeV1(network, facilitator)
	return f
}

// RegisterExtension registers a protocol extension.
// This is a convenience method that delegates to Inner().RegisterExtension().
func (f *IdempotentFacilitator) RegisterExtension(extension string) *IdempotentFacilitator {
	f.inner.RegisterExtension(extension)
	return f
}

// OnBeforeVerify registers a hook on the wrapped facilitator, executed before
// idempotency's own Verify passthrough reaches it.
func (f *IdempotentFacilitator) OnBeforeVerify(hook x402.FacilitatorBeforeVerifyHook) *IdempotentFacilitator {
	f.inner.OnBeforeVerify(hook)
	return f
}

// OnAfterVerify registers a hook on the wrapped facilitator.
func (f *IdempotentFacilitator) OnAfterVerify(hook x402.FacilitatorAfterVerifyHook) *IdempotentFacilitator {
	f.inner.OnAfterVerify(hook)
	return f
}

// OnVerifyFailure registers a hook on the wrapped facilitator.
func (f *IdempotentFacilitator) OnVerifyFailure(hook x402.FacilitatorOnVerifyFailureHook) *IdempotentFacilitator {
	f.inner.OnVerifyFailure(hook)
	return f
}

// OnBeforeSettle registers a hook on the wrapped facilitator. Note this hook
// fires on every call to the inner facilitator's Settle, which idempotency
// only reaches once per cache key - retries that hit the cache never trigger it.
func (f *IdempotentFacilitator) OnBeforeSettle(hook x402.FacilitatorBeforeSettleHook) *IdempotentFacilitator {
	f.inner.OnBeforeSettle(hook)
	return f
}

// OnAfterSettle registers a hook on the wrapped facilitator.
func (f *IdempotentFacilitator) OnAfterSettle(hook x402.FacilitatorAfterSettleHook) *IdempotentFacilitator {
	f.inner.OnAfterSettle(hook)
	return f
}

// OnSettleFailure registers a hook on the wrapped facilitator.
func (f *IdempotentFacilitator) OnSettleFailure(hook x402.FacilitatorOnSettleFailureHook) *IdempotentFacilitator {
	f.inner.OnSettleFailure(hook)
	return f
}
