// Package licensing contains the shared license primitives used by both the
// DraftDesk Local License Agent and the License Authority: the plan/feature
// model, license key format, billing status normalization and the wire models.
package licensing

// Feature constants represent gated features in DraftDesk.
// These are stored on licenses and checked at runtime.
const (
	FeatureBasic           = "basic"
	FeatureTemplates       = "templates"
	FeatureAIGeneration    = "ai-generation"
	FeatureCloudStorage    = "cloud-storage"
	FeatureExportPDF       = "export-pdf"
	FeatureCustomTemplates = "custom-templates"
	FeaturePrioritySupport = "priority-support"
	FeatureAPIAccess       = "api-access"
	FeatureWhiteLabel      = "white-label"
)

// Plan represents a license plan type.
type Plan string

const (
	PlanTrial        Plan = "trial"
	PlanStandard     Plan = "standard"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// PlanFeatures maps each plan to its included features. Plans are strictly
// accumulating: every plan includes all features of the plans below it.
var PlanFeatures = map[Plan][]string{
	PlanTrial: {
		FeatureBasic,
		FeatureTemplates,
		FeatureAIGeneration,
	},
	PlanStandard: {
		FeatureBasic,
		FeatureTemplates,
		FeatureAIGeneration,
		FeatureCloudStorage,
		FeatureExportPDF,
	},
	PlanProfessional: {
		FeatureBasic,
		FeatureTemplates,
		FeatureAIGeneration,
		FeatureCloudStorage,
		FeatureExportPDF,
		FeatureCustomTemplates,
		FeaturePrioritySupport,
	},
	PlanEnterprise: {
		FeatureBasic,
		FeatureTemplates,
		FeatureAIGeneration,
		FeatureCloudStorage,
		FeatureExportPDF,
		FeatureCustomTemplates,
		FeaturePrioritySupport,
		FeatureAPIAccess,
		FeatureWhiteLabel,
	},
}

// ValidPlan reports whether p is a known plan type.
func ValidPlan(p Plan) bool {
	_, ok := PlanFeatures[p]
	return ok
}

// PlanHasFeature checks if a plan includes a specific feature.
func PlanHasFeature(plan Plan, feature string) bool {
	for _, f := range PlanFeatures[plan] {
		if f == feature {
			return true
		}
	}
	return false
}

// ResolveFeatures returns the effective feature set for a license: the union
// of the plan's features and any features explicitly granted on the license.
// Explicit grants allow per-license overrides without a new plan type.
func ResolveFeatures(plan Plan, overrides []string) []string {
	seen := make(map[string]bool, len(PlanFeatures[plan])+len(overrides))
	result := make([]string, 0, len(PlanFeatures[plan])+len(overrides))
	for _, f := range PlanFeatures[plan] {
		if !seen[f] {
			seen[f] = true
			result = append(result, f)
		}
	}
	for _, f := range overrides {
		if f != "" && !seen[f] {
			seen[f] = true
			result = append(result, f)
		}
	}
	return result
}

// GetPlanDisplayName returns a human-readable name for the plan.
func GetPlanDisplayName(plan Plan) string {
	switch plan {
	case PlanTrial:
		return "Trial"
	case PlanStandard:
		return "Standard"
	case PlanProfessional:
		return "Professional"
	case PlanEnterprise:
		return "Enterprise"
	default:
		return string(plan)
	}
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureBasic:
		return "Document Drafting"
	case FeatureTemplates:
		return "Template Library"
	case FeatureAIGeneration:
		return "AI Content Generation"
	case FeatureCloudStorage:
		return "Cloud Storage Connectors"
	case FeatureExportPDF:
		return "PDF Export"
	case FeatureCustomTemplates:
		return "Custom Templates"
	case FeaturePrioritySupport:
		return "Priority Support"
	case FeatureAPIAccess:
		return "API Access"
	case FeatureWhiteLabel:
		return "White Label"
	default:
		return feature
	}
}
