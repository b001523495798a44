package licensing

import (
	"sort"
	"testing"
)

func TestPlanHasFeature(t *testing.T) {
	tests := []struct {
		name     string
		plan     Plan
		feature  string
		expected bool
	}{
		{"trial has basic", PlanTrial, FeatureBasic, true},
		{"trial has templates", PlanTrial, FeatureTemplates, true},
		{"trial has AI generation", PlanTrial, FeatureAIGeneration, true},
		{"trial has no PDF export", PlanTrial, FeatureExportPDF, false},
		{"trial has no cloud storage", PlanTrial, FeatureCloudStorage, false},
		{"standard has cloud storage", PlanStandard, FeatureCloudStorage, true},
		{"standard has PDF export", PlanStandard, FeatureExportPDF, true},
		{"standard has no custom templates", PlanStandard, FeatureCustomTemplates, false},
		{"professional has PDF export", PlanProfessional, FeatureExportPDF, true},
		{"professional has custom templates", PlanProfessional, FeatureCustomTemplates, true},
		{"professional has priority support", PlanProfessional, FeaturePrioritySupport, true},
		{"professional has no white label", PlanProfessional, FeatureWhiteLabel, false},
		{"enterprise has PDF export", PlanEnterprise, FeatureExportPDF, true},
		{"enterprise has API access", PlanEnterprise, FeatureAPIAccess, true},
		{"enterprise has white label", PlanEnterprise, FeatureWhiteLabel, true},
		{"unknown plan has nothing", Plan("unknown"), FeatureBasic, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanHasFeature(tt.plan, tt.feature); got != tt.expected {
				t.Errorf("PlanHasFeature(%v, %v) = %v, want %v", tt.plan, tt.feature, got, tt.expected)
			}
		})
	}
}

func TestPlansAccumulate(t *testing.T) {
	order := []Plan{PlanTrial, PlanStandard, PlanProfessional, PlanEnterprise}
	for i := 1; i < len(order); i++ {
		lower, higher := order[i-1], order[i]
		for _, f := range PlanFeatures[lower] {
			if !PlanHasFeature(higher, f) {
				t.Errorf("plan %s is missing feature %s included in %s", higher, f, lower)
			}
		}
	}
}

func TestResolveFeatures(t *testing.T) {
	got := ResolveFeatures(PlanTrial, []string{FeatureWhiteLabel, FeatureBasic, ""})
	sort.Strings(got)
	want := []string{FeatureAIGeneration, FeatureBasic, FeatureTemplates, FeatureWhiteLabel}
	if len(got) != len(want) {
		t.Fatalf("ResolveFeatures = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ResolveFeatures = %v, want %v", got, want)
		}
	}
}

func TestValidPlan(t *testing.T) {
	for _, p := range []Plan{PlanTrial, PlanStandard, PlanProfessional, PlanEnterprise} {
		if !ValidPlan(p) {
			t.Errorf("ValidPlan(%v) = false, want true", p)
		}
	}
	if ValidPlan(Plan("lifetime")) {
		t.Error("ValidPlan(lifetime) = true, want false")
	}
}
