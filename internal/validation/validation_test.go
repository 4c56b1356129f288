package validation

import "testing"

func TestIsValidCurrency(t *testing.T) {
	valid := []string{"INR", "USD", "EUR"}
	for _, c := range valid {
		if !IsValidCurrency(c) {
			t.Errorf("expected %q valid", c)
		}
	}
	invalid := []string{"", "inr", "US", "USDC", "12A"}
	for _, c := range invalid {
		if IsValidCurrency(c) {
			t.Errorf("expected %q invalid", c)
		}
	}
}

func TestIsValidAgentID(t *testing.T) {
	if !IsValidAgentID("agent-001") || !IsValidAgentID("billing.bot_2") {
		t.Error("expected well-formed agent ids to be valid")
	}
	if IsValidAgentID("") || IsValidAgentID("agent with spaces") {
		t.Error("expected malformed agent ids to be invalid")
	}
}

func TestValidateAmount(t *testing.T) {
	if err := ValidateAmount(1); err != nil {
		t.Errorf("1 should be valid: %v", err)
	}
	if err := ValidateAmount(0); err == nil {
		t.Error("0 should be invalid")
	}
	if err := ValidateAmount(-500); err == nil {
		t.Error("negative amounts should be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}
