package core

import (
	"strings"
	"testing"
	"time"
)

func TestBreachCatalogDiagnosticsAreReadOnly(t *testing.T) {
	for _, kind := range []string{BreachSentWithoutProviderID, string(AlertKindStaleClaimFailed), string(AlertKindReconcileExhausted)} {
		definition, ok := LookupBreach(kind)
		if !ok {
			t.Fatalf("expected catalog entry for %q", kind)
		}
		query := strings.ToUpper(definition.DiagnosticQuery)
		if !strings.HasPrefix(query, "SELECT ") {
			t.Fatalf("%q diagnostic must be a SELECT", kind)
		}
		for _, verb := range []string{"UPDATE ", "DELETE ", "INSERT ", "DROP "} {
			if strings.Contains(query, verb) {
				t.Fatalf("%q diagnostic contains %q", kind, verb)
			}
		}
		if len(definition.Checklist) == 0 {
			t.Fatalf("%q needs a checklist", kind)
		}
	}
	if _, ok := LookupBreach("unknown"); ok {
		t.Fatalf("expected unknown breach to be missing")
	}
}

func TestLookupBreachReturnsCopy(t *testing.T) {
	first, _ := LookupBreach(BreachSentWithoutProviderID)
	first.Checklist[0] = "mutated"
	second, _ := LookupBreach(BreachSentWithoutProviderID)
	if second.Checklist[0] == "mutated" {
		t.Fatalf("catalog checklist must not be shared")
	}
}

func TestRankBreachesBySeverityThenRecency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	critical, _ := LookupBreach(BreachSentWithoutProviderID)
	warning, _ := LookupBreach(string(AlertKindReconcileExhausted))
	breaches := []InvariantBreach{
		{BreachDefinition: warning, MessageID: "w", DetectedAt: now},
		{BreachDefinition: critical, MessageID: "old", DetectedAt: now.Add(-time.Hour)},
		{BreachDefinition: critical, MessageID: "new", DetectedAt: now},
	}
	RankBreaches(breaches)
	if breaches[0].MessageID != "new" || breaches[1].MessageID != "old" || breaches[2].MessageID != "w" {
		t.Fatalf("unexpected order %s, %s, %s", breaches[0].MessageID, breaches[1].MessageID, breaches[2].MessageID)
	}
}
