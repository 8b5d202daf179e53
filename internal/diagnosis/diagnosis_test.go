package diagnosis

import "testing"

func TestParseDiagnosisValidJSON(t *testing.T) {
	json := `{
		"root_cause": "Tool deploy_check has a syntax error",
		"confidence": "high",
		"recommended_action": "quarantine_tool",
		"details": "Quarantine deploy_check and notify user"
	}`

	d, ok := ParseDiagnosis(json)
	if !ok {
		t.Fatal("expected valid diagnosis")
	}
	if d.RootCause != "Tool deploy_check has a syntax error" {
		t.Errorf("root cause = %q", d.RootCause)
	}
	if d.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %q, want high", d.Confidence)
	}
	if d.RecommendedAction != "quarantine_tool" {
		t.Errorf("action = %q", d.RecommendedAction)
	}
	if d.Details != "Quarantine deploy_check and notify user" {
		t.Errorf("details = %q", d.Details)
	}
}

func TestParseDiagnosisEmbeddedInText(t *testing.T) {
	text := `Based on my analysis, here is my diagnosis:

{
    "root_cause": "Container OOM killed",
    "confidence": "medium",
    "recommended_action": "reset_sandbox",
    "details": "The container ran out of memory during pip install"
}

I hope this helps!`

	d, ok := ParseDiagnosis(text)
	if !ok {
		t.Fatal("expected to find JSON in surrounding text")
	}
	if d.RootCause != "Container OOM killed" {
		t.Errorf("root cause = %q", d.RootCause)
	}
	if d.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %q, want medium", d.Confidence)
	}
	if d.RecommendedAction != "reset_sandbox" {
		t.Errorf("action = %q", d.RecommendedAction)
	}
}

func TestParseDiagnosisInvalidTextReturnsFalse(t *testing.T) {
	if _, ok := ParseDiagnosis("This is not JSON at all."); ok {
		t.Error("expected no diagnosis from plain text")
	}
}

func TestParseDiagnosisPartialJSONReturnsFalse(t *testing.T) {
	if _, ok := ParseDiagnosis(`{ "root_cause": "something"`); ok {
		t.Error("expected no diagnosis from unterminated JSON")
	}
}

func TestParseDiagnosisMissingFieldsReturnsFalse(t *testing.T) {
	if _, ok := ParseDiagnosis(`{ "root_cause": "something" }`); ok {
		t.Error("expected no diagnosis when required fields are missing")
	}
}

func TestParseDiagnosisEmptyStringReturnsFalse(t *testing.T) {
	if _, ok := ParseDiagnosis(""); ok {
		t.Error("expected no diagnosis from empty string")
	}
}

func TestParseDiagnosisBracesInMiddleOnly(t *testing.T) {
	text := "The issue is {something} but I'm not sure."
	if _, ok := ParseDiagnosis(text); ok {
		t.Error("expected no diagnosis from non-JSON braces")
	}
}

func TestParseDiagnosisRejectsUnknownConfidence(t *testing.T) {
	json := `{
		"root_cause": "x",
		"confidence": "extreme",
		"recommended_action": "report_only",
		"details": "y"
	}`
	if _, ok := ParseDiagnosis(json); ok {
		t.Error("expected rejection of an unrecognized confidence level")
	}
}
