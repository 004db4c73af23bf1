// validate.go implements API key format and strength checks plus display masking.
// Validation runs before any key is encrypted or stored, and reports every
// violated rule together rather than stopping at the first.
package crypto

import (
	"regexp"
	"sort"
	"strings"
)

// ValidationResult reports the outcome of a key strength check. Issues and
// Recommendations are parallel: each issue has a remediation hint.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// knownKeyPatterns are the key shapes issued by providers this product talks to.
// A key matching none of them is flagged (not rejected outright — the strength
// rules still decide validity together).
var knownKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^sk-[a-zA-Z0-9]{48}$`),      // OpenAI
	regexp.MustCompile(`^AIza[a-zA-Z0-9]{35}$`),     // Google AI
	regexp.MustCompile(`^sk-ant-[a-zA-Z0-9-]{95}$`), // Anthropic
	regexp.MustCompile(`^xoxb-[a-zA-Z0-9-]+$`),      // Slack
	regexp.MustCompile(`^ghp_[a-zA-Z0-9]{36}$`),     // GitHub
}

// providerFormats are the strict per-provider key shapes used by ValidateFormat.
var providerFormats = map[string]*regexp.Regexp{
	"google":      regexp.MustCompile(`^AIza[a-zA-Z0-9]{35}$`),
	"openai":      regexp.MustCompile(`^sk-[a-zA-Z0-9]{48}$`),
	"anthropic":   regexp.MustCompile(`^sk-ant-[a-zA-Z0-9-]{95}$`),
	"midjourney":  regexp.MustCompile(`^[a-zA-Z0-9-]{32}$`),
	"nano-banana": regexp.MustCompile(`^[a-zA-Z0-9]{32}$`),
}

// providerMasks are the fixed masked patterns shown in credential listings, so
// the UI reveals the provider's key shape without exposing any key material.
var providerMasks = map[string]string{
	"google":      "AIza*******************************",
	"openai":      "sk-*******************************",
	"anthropic":   "sk-ant-*******************************",
	"midjourney":  "mj-*******************************",
	"nano-banana": "nb-*******************************",
}

// ValidateKeyStrength checks an API key against the strength rules: minimum
// length, mixed character classes, and resemblance to a known provider format.
// All violations are reported together.
func ValidateKeyStrength(apiKey string) ValidationResult {
	result := ValidationResult{
		Issues:          []string{},
		Recommendations: []string{},
	}

	if len(apiKey) < 20 {
		result.Issues = append(result.Issues, "API key is too short")
		result.Recommendations = append(result.Recommendations, "Use an API key of at least 20 characters")
	}

	hasUpper := strings.ContainsAny(apiKey, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	hasLower := strings.ContainsAny(apiKey, "abcdefghijklmnopqrstuvwxyz")
	hasDigit := strings.ContainsAny(apiKey, "0123456789")
	if !hasUpper || !hasLower || !hasDigit {
		result.Issues = append(result.Issues, "API key must contain uppercase and lowercase letters and digits")
		result.Recommendations = append(result.Recommendations, "Use a key combining upper case, lower case, digits and special characters")
	}

	matchesKnown := false
	for _, pattern := range knownKeyPatterns {
		if pattern.MatchString(apiKey) {
			matchesKnown = true
			break
		}
	}
	if !matchesKnown {
		result.Issues = append(result.Issues, "API key does not match any known provider format")
		result.Recommendations = append(result.Recommendations, "Check that the key was copied correctly from the provider console")
	}

	result.Valid = len(result.Issues) == 0
	return result
}

// ValidateFormat checks an API key against the strict shape for the named
// provider. Unknown providers are accepted: the product cannot know every
// provider's key shape, and the strength check still applies.
func ValidateFormat(provider, apiKey string) bool {
	pattern, ok := providerFormats[provider]
	if !ok {
		return true
	}
	return pattern.MatchString(apiKey)
}

// SupportedProviders lists the providers with a strict key format, sorted
func SupportedProviders() []string {
	providers := make([]string, 0, len(providerFormats))
	for provider := range providerFormats {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

// MaskForProvider returns the fixed masked pattern for a provider's keys.
// This is the only key representation credential listings may expose.
func MaskForProvider(provider string) string {
	if mask, ok := providerMasks[provider]; ok {
		return mask
	}
	return "***-*******************************"
}

// MaskKey masks an individual key for display, keeping visibleChars characters
// at each end. Keys too short to keep both ends hidden are fully masked.
func MaskKey(apiKey string, visibleChars int) string {
	if visibleChars <= 0 {
		visibleChars = 4
	}
	if len(apiKey) <= visibleChars*2 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:visibleChars] +
		strings.Repeat("*", len(apiKey)-visibleChars*2) +
		apiKey[len(apiKey)-visibleChars:]
}
