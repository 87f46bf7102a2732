package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-go/x402/types"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes a payment header string.
// It performs comprehensive validation of:
// - Base64 format
// - JSON structure
// - Required fields and their types
//
// Returns the decoded PaymentPayload if valid, or an error with a descriptive message.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*types.PaymentPayload, error) {
	// Validate header is not empty
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	// Validate base64 format
	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	// Decode base64
	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	// Parse JSON into a map first for validation
	var rawPayload map[string]interface{}
	if err := json.Unmarshal(decoded, &rawPayload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	// Validate required top-level fields
	if _, exists := rawPayload["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	if version, ok := rawPayload["x402Version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	} else if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: x402Version must be at least 1")
	}

	if _, exists := rawPayload["resource"]; !exists {
		return nil, fmt.Errorf("missing required field: resource")
	}
	resourceMap, ok := rawPayload["resource"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid field type: resource must be an object")
	}

	// Validate resource fields
	if _, exists := resourceMap["url"]; !exists {
		return nil, fmt.Errorf("missing required field: resource.url")
	}
	if _, ok := resourceMap["url"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: resource.url must be a string")
	}

	if _, exists := resourceMap["description"]; !exists {
		return nil, fmt.Errorf("missing required field: resource.description")
	}
	if _, ok := resourceMap["description"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: resource.description must be a string")
	}

	if _, exists := resourceMap["mimeType"]; !exists {
		return nil, fmt.Errorf("missing required field: resource.mimeType")
	}
	if _, ok := resourceMap["mimeType"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: resource.mimeType must be a string")
	}

	if _, exists := rawPayload["accepted"]; !exists {
		return nil, fmt.Errorf("missing required field: accepted")
	}
	if _, ok := rawPayload["accepted"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: accepted must be an object")
	}

	if _, exists := rawPayload["payload"]; !exists {
		return nil, fmt.Errorf("missing required field: payload")
	}
	if _, ok := rawPayload["payload"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: payload must be an object")
	}

	// If all validations pass, unmarshal into the PaymentPayload struct
	var payload types.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}

// validateAgainstSchema checks document against a JSON Schema and returns
// the human-readable mismatch descriptions, if any. A nil schema is always
// valid: routes are not required to declare one.
func validateAgainstSchema(schema, document interface{}) []string {
	if schema == nil {
		return nil
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return []string{fmt.Sprintf("schema is not valid JSON: %v", err)}
	}
	documentJSON, err := json.Marshal(document)
	if err != nil {
		return []string{fmt.Sprintf("value is not valid JSON: %v", err)}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(documentJSON),
	)
	if err != nil {
		return []string{fmt.Sprintf("schema validation failed: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	mismatches := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		mismatches = append(mismatches, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return mismatches
}

// warnOnRouteSchemaMismatch validates a route's declared input/output schemas
// (Bazaar-style declarative extension schemas) against the route's own extra
// fields and logs mismatches as warnings. Never fatal: a malformed or
// unsatisfied schema does not stop the route from serving payments.
func warnOnRouteSchemaMismatch(pattern string, route RouteConfig) {
	if mismatches := validateAgainstSchema(route.InputSchema, route.Extra); len(mismatches) > 0 {
		log.Printf("x402: route %q inputSchema mismatch: %s", pattern, mismatches[0])
	}
	if mismatches := validateAgainstSchema(route.OutputSchema, route.Extra); len(mismatches) > 0 {
		log.Printf("x402: route %q outputSchema mismatch: %s", pattern, mismatches[0])
	}
}
