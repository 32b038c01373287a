package usage

import (
	"github.com/google/uuid"

	"referralhub/models"
)

// stepSatisfied evaluates one step against the set of completed task ids.
// RuleAll requires every task, RuleAny at least one.
func stepSatisfied(step models.PathwayStep, done map[uuid.UUID]bool) bool {
	if len(step.Tasks) == 0 {
		return false
	}
	completed := 0
	for _, task := range step.Tasks {
		if done[task.ID] {
			completed++
		}
	}
	if step.Rule == models.RuleAny {
		return completed > 0
	}
	return completed == len(step.Tasks)
}

// pathwaySatisfied evaluates the whole tree against the completed task set.
// Sequential ordering is enforced when completions are recorded, so by the
// time a set satisfies the rules it was necessarily built in a legal order.
func pathwaySatisfied(pathway *models.Pathway, done map[uuid.UUID]bool) bool {
	if pathway == nil || len(pathway.Steps) == 0 {
		return false
	}
	satisfied := 0
	for _, step := range pathway.Steps {
		if stepSatisfied(step, done) {
			satisfied++
		}
	}
	if pathway.Rule == models.RuleAny {
		return satisfied > 0
	}
	return satisfied == len(pathway.Steps)
}

// findTask locates the step and task for the given task id.
func findTask(pathway *models.Pathway, taskID uuid.UUID) (*models.PathwayStep, *models.PathwayTask) {
	if pathway == nil {
		return nil, nil
	}
	for i := range pathway.Steps {
		step := &pathway.Steps[i]
		for j := range step.Tasks {
			if step.Tasks[j].ID == taskID {
				return step, &step.Tasks[j]
			}
		}
	}
	return nil, nil
}

// checkRecordingOrder rejects out-of-order recording under Sequential order
// modes: a task may be recorded only when every prior step (for a sequential
// pathway) and every prior sibling task (for a sequential step) is already
// satisfied.
func checkRecordingOrder(pathway *models.Pathway, step *models.PathwayStep, task *models.PathwayTask, done map[uuid.UUID]bool) error {
	if pathway.OrderMode == models.OrderSequential {
		for _, prior := range pathway.Steps {
			if prior.OrderDisplay >= step.OrderDisplay {
				continue
			}
			if !stepSatisfied(prior, done) {
				return models.Validationf("step %q must be completed before %q", prior.Name, step.Name)
			}
		}
	}
	if step.OrderMode == models.OrderSequential {
		for _, sibling := range step.Tasks {
			if sibling.OrderDisplay >= task.OrderDisplay {
				continue
			}
			if !done[sibling.ID] {
				return models.Validationf("tasks in step %q must be completed in order", step.Name)
			}
		}
	}
	return nil
}
