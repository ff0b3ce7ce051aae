package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignatij/leappflow/pkg/models"
)

const (
	ReasonUnknownType = "unknown workflow type"
	ReasonNoJobs      = "workflow has no jobs"
)

// shapeCheck reports whether a job sequence has the structure required by
// one workflow type.
type shapeCheck func(failed bool, jobs []*models.Job) (bool, string)

var catalog = map[string]shapeCheck{
	"operational_check_7_to_8": operationalCheck,
	"operational_check_7_to_9": operationalCheck,
	"operational_check_8_to_9": operationalCheck,
	"inhibitor_check_7_to_8":   inhibitorCheck,
	"inhibitor_check_8_to_9":   inhibitorCheck,
	"upgrade_7_to_8":           upgradeCheck("postupgrade_7_to_8"),
	"upgrade_8_to_9":           upgradeCheck("postupgrade_8_to_9"),
	// A 7 to 9 upgrade runs through 8, so its final stage is the 8 to 9 post-upgrade.
	"upgrade_7_to_9": upgradeCheck("postupgrade_8_to_9", "postupgrade_7_to_9"),
}

// KnownWorkflowTypes returns the catalog's workflow types, sorted.
func KnownWorkflowTypes() []string {
	types := make([]string, 0, len(catalog))
	for t := range catalog {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks a job sequence against the catalog. It never panics; any
// anomaly is reported as a failed result with a reason.
func Validate(workflowType string, failed bool, jobs []*models.Job) (passed bool, reason string) {
	check, ok := catalog[workflowType]
	if !ok {
		return false, ReasonUnknownType
	}
	if len(jobs) == 0 {
		return false, ReasonNoJobs
	}
	return check(failed, jobs)
}

// ResolveType returns the most common major_workflow across jobs. When
// several values tie, the first one seen in arrival order wins and all tied
// values are returned as candidates.
func ResolveType(jobs []*models.Job) (string, []string) {
	counts := make(map[string]int)
	var order []string
	for _, job := range jobs {
		t := job.MajorWorkflow()
		if _, seen := counts[t]; !seen {
			order = append(order, t)
		}
		counts[t]++
	}
	best := 0
	for _, t := range order {
		if counts[t] > best {
			best = counts[t]
		}
	}
	var tied []string
	for _, t := range order {
		if counts[t] == best {
			tied = append(tied, t)
		}
	}
	if len(tied) == 0 {
		return "", nil
	}
	return tied[0], tied
}

func operationalCheck(_ bool, jobs []*models.Job) (bool, string) {
	if len(jobs) != 1 {
		return false, fmt.Sprintf("shape mismatch: operational check expects exactly 1 job, got %d", len(jobs))
	}
	return true, ""
}

func inhibitorCheck(failed bool, jobs []*models.Job) (bool, string) {
	last := jobs[len(jobs)-1]
	switch {
	case len(jobs) == 1 && strings.Contains(jobs[0].Name, "operational") && failed:
		return true, ""
	case len(jobs) == 3 && extraVarContains(last, "changefile_tasks_from", "rollback"):
		return true, ""
	}
	return false, fmt.Sprintf(
		"shape mismatch: inhibitor check expects 1 failed operational job or 3 jobs ending in rollback, got %d jobs (failed=%t)",
		len(jobs), failed)
}

func upgradeCheck(markers ...string) shapeCheck {
	return func(failed bool, jobs []*models.Job) (bool, string) {
		last := jobs[len(jobs)-1]
		if failed {
			if extraVarContains(last, "sub_workflow", "vastool_revert") {
				return true, ""
			}
			return false, `shape mismatch: failed upgrade did not end in a "vastool_revert" sub_workflow`
		}
		for _, m := range markers {
			if extraVarContains(last, "changefile_included_role", m) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("shape mismatch: upgrade incomplete, last job's changefile_included_role does not contain %q", markers[0])
	}
}

// extraVarContains reports whether extra_vars[key] contains needle. A
// missing key, or a value that is neither a string nor a list, is false.
func extraVarContains(job *models.Job, key, needle string) bool {
	v, ok := job.ExtraVar(key)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.Contains(val, needle)
	case []string:
		for _, s := range val {
			if strings.Contains(s, needle) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok && strings.Contains(s, needle) {
				return true
			}
		}
	}
	return false
}
