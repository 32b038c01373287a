package usage

import (
	"testing"

	"github.com/google/uuid"

	"referralhub/models"
)

func buildStep(rule models.Rule, orderMode models.OrderMode, orderDisplay, taskCount int) models.PathwayStep {
	step := models.PathwayStep{
		ID:           uuid.New(),
		Name:         "step",
		Rule:         rule,
		OrderMode:    orderMode,
		OrderDisplay: orderDisplay,
	}
	for i := 0; i < taskCount; i++ {
		step.Tasks = append(step.Tasks, models.PathwayTask{
			ID:           uuid.New(),
			StepID:       step.ID,
			EntityType:   models.TaskEntityOpportunity,
			EntityID:     uuid.New(),
			OrderDisplay: i + 1,
		})
	}
	return step
}

func markDone(done map[uuid.UUID]bool, tasks ...models.PathwayTask) {
	for _, task := range tasks {
		done[task.ID] = true
	}
}

func TestStepSatisfied(t *testing.T) {
	all := buildStep(models.RuleAll, models.OrderAny, 1, 3)
	any := buildStep(models.RuleAny, models.OrderAny, 1, 3)
	empty := buildStep(models.RuleAll, models.OrderAny, 1, 0)

	done := map[uuid.UUID]bool{}
	if stepSatisfied(all, done) {
		t.Fatalf("ALL step satisfied with nothing done")
	}
	markDone(done, all.Tasks[0], all.Tasks[1])
	if stepSatisfied(all, done) {
		t.Fatalf("ALL step satisfied with 2 of 3 tasks")
	}
	markDone(done, all.Tasks[2])
	if !stepSatisfied(all, done) {
		t.Fatalf("ALL step not satisfied with every task done")
	}

	done = map[uuid.UUID]bool{}
	if stepSatisfied(any, done) {
		t.Fatalf("ANY step satisfied with nothing done")
	}
	markDone(done, any.Tasks[1])
	if !stepSatisfied(any, done) {
		t.Fatalf("ANY step not satisfied with one task done")
	}

	// A step with no tasks can never be satisfied.
	if stepSatisfied(empty, map[uuid.UUID]bool{}) {
		t.Fatalf("empty step reported satisfied")
	}
}

func TestPathwaySatisfied(t *testing.T) {
	first := buildStep(models.RuleAll, models.OrderAny, 1, 1)
	second := buildStep(models.RuleAll, models.OrderAny, 2, 1)

	allPathway := &models.Pathway{Rule: models.RuleAll, OrderMode: models.OrderAny, Steps: []models.PathwayStep{first, second}}
	anyPathway := &models.Pathway{Rule: models.RuleAny, OrderMode: models.OrderAny, Steps: []models.PathwayStep{first, second}}

	done := map[uuid.UUID]bool{}
	markDone(done, first.Tasks[0])
	if pathwaySatisfied(allPathway, done) {
		t.Fatalf("ALL pathway satisfied with one of two steps")
	}
	if !pathwaySatisfied(anyPathway, done) {
		t.Fatalf("ANY pathway not satisfied with one step done")
	}
	markDone(done, second.Tasks[0])
	if !pathwaySatisfied(allPathway, done) {
		t.Fatalf("ALL pathway not satisfied with every step done")
	}

	if pathwaySatisfied(nil, done) {
		t.Fatalf("nil pathway reported satisfied")
	}
	if pathwaySatisfied(&models.Pathway{Rule: models.RuleAll}, done) {
		t.Fatalf("stepless pathway reported satisfied")
	}
}

func TestCheckRecordingOrder(t *testing.T) {
	first := buildStep(models.RuleAll, models.OrderAny, 1, 1)
	second := buildStep(models.RuleAll, models.OrderSequential, 2, 2)
	pathway := &models.Pathway{
		Rule:      models.RuleAll,
		OrderMode: models.OrderSequential,
		Steps:     []models.PathwayStep{first, second},
	}

	done := map[uuid.UUID]bool{}

	// Sequential pathway: second step blocked until the first is satisfied.
	if err := checkRecordingOrder(pathway, &pathway.Steps[1], &pathway.Steps[1].Tasks[0], done); !models.IsValidation(err) {
		t.Fatalf("expected step-order rejection, got %v", err)
	}
	if err := checkRecordingOrder(pathway, &pathway.Steps[0], &pathway.Steps[0].Tasks[0], done); err != nil {
		t.Fatalf("first step task rejected: %v", err)
	}
	markDone(done, first.Tasks[0])

	// Sequential step: second task blocked until the first sibling is done.
	if err := checkRecordingOrder(pathway, &pathway.Steps[1], &pathway.Steps[1].Tasks[1], done); !models.IsValidation(err) {
		t.Fatalf("expected task-order rejection, got %v", err)
	}
	if err := checkRecordingOrder(pathway, &pathway.Steps[1], &pathway.Steps[1].Tasks[0], done); err != nil {
		t.Fatalf("in-order task rejected: %v", err)
	}
	markDone(done, second.Tasks[0])
	if err := checkRecordingOrder(pathway, &pathway.Steps[1], &pathway.Steps[1].Tasks[1], done); err != nil {
		t.Fatalf("second task rejected after sibling done: %v", err)
	}
}

func TestFindTask(t *testing.T) {
	step := buildStep(models.RuleAll, models.OrderAny, 1, 2)
	pathway := &models.Pathway{Steps: []models.PathwayStep{step}}

	foundStep, foundTask := findTask(pathway, step.Tasks[1].ID)
	if foundStep == nil || foundTask == nil {
		t.Fatalf("expected task to be found")
	}
	if foundTask.ID != step.Tasks[1].ID {
		t.Fatalf("found wrong task")
	}
	if _, missing := findTask(pathway, uuid.New()); missing != nil {
		t.Fatalf("expected unknown id to miss")
	}
}
