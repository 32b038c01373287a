package program

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/models"
)

// PathwayRequest is the full desired state of a program's pathway tree.
// Steps and tasks carrying an id update the persisted row; those without one
// are created; persisted rows absent from the request are deleted.
type PathwayRequest struct {
	Name        string
	Description string
	Rule        models.Rule
	OrderMode   models.OrderMode
	Steps       []PathwayStepRequest
}

// PathwayStepRequest is one desired step with its tasks in request order.
type PathwayStepRequest struct {
	ID          *uuid.UUID
	Name        string
	Description string
	Rule        models.Rule
	OrderMode   models.OrderMode
	Tasks       []PathwayTaskRequest
}

// PathwayTaskRequest points a step entry at a catalog opportunity.
type PathwayTaskRequest struct {
	ID         *uuid.UUID
	EntityType models.TaskEntityType
	EntityID   uuid.UUID
}

// validatePathwayRequest rejects malformed trees before any persistence is
// attempted: rule/order-mode inconsistency, duplicate step names, duplicate
// task entities within a step, and ineligible opportunities. An opportunity
// flagged verification-enabled with no method configured is an upstream data
// bug, not bad input, and is reported as such.
func (s *Service) validatePathwayRequest(ctx context.Context, req *PathwayRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return models.Validationf("pathway name is required")
	}
	if !models.ValidRule(req.Rule, req.OrderMode) {
		return models.Validationf("a sequential pathway must use the All rule")
	}
	if len(req.Steps) == 0 {
		return models.Validationf("pathway requires at least one step")
	}
	seenNames := make(map[string]bool, len(req.Steps))
	for i := range req.Steps {
		step := &req.Steps[i]
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return models.Validationf("step name is required")
		}
		lowered := strings.ToLower(name)
		if seenNames[lowered] {
			return models.Validationf("step name %q is duplicated within the pathway", name)
		}
		seenNames[lowered] = true
		if !models.ValidRule(step.Rule, step.OrderMode) {
			return models.Validationf("step %q: a sequential step must use the All rule", name)
		}
		if len(step.Tasks) == 0 {
			return models.Validationf("step %q requires at least one task", name)
		}
		seenEntities := make(map[uuid.UUID]bool, len(step.Tasks))
		for j := range step.Tasks {
			task := &step.Tasks[j]
			if task.EntityType != models.TaskEntityOpportunity {
				return models.Validationf("step %q: unsupported task entity type %q", name, task.EntityType)
			}
			if seenEntities[task.EntityID] {
				return models.Validationf("step %q: opportunity %s is assigned more than once", name, task.EntityID)
			}
			seenEntities[task.EntityID] = true
			if err := s.validateTaskOpportunity(ctx, name, task.EntityID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) validateTaskOpportunity(ctx context.Context, stepName string, entityID uuid.UUID) error {
	op, err := s.catalog.GetByID(ctx, entityID)
	if err != nil {
		return err
	}
	if !op.Published {
		return models.Validationf("step %q: opportunity %q is not published", stepName, op.Title)
	}
	if !op.VerificationEnabled {
		return models.Validationf("step %q: opportunity %q does not have verification enabled", stepName, op.Title)
	}
	if op.VerificationMethod == nil {
		err := models.Inconsistentf("opportunity %q has verification enabled but no verification method configured", op.Title)
		s.logger.Error("opportunity verification method missing", "opportunity_id", entityID.String())
		return err
	}
	return nil
}

// reconcilePathway diffs the incoming desired-state tree against the
// persisted one inside the caller's transaction. Delete runs before upsert so
// the final persisted set exactly equals the request set with no leftover
// rows and no separate reconciliation pass.
func (s *Service) reconcilePathway(tx *gorm.DB, prog *models.Program, req *PathwayRequest, now time.Time) (*models.Pathway, error) {
	existing, err := loadPathwayTree(tx, prog.ID)
	if err != nil {
		return nil, err
	}

	var pathway *models.Pathway
	if existing == nil {
		pathway = &models.Pathway{
			ID:        uuid.New(),
			ProgramID: prog.ID,
			CreatedAt: now,
		}
	} else {
		pathway = existing
	}
	pathway.Name = strings.TrimSpace(req.Name)
	pathway.Description = strings.TrimSpace(req.Description)
	pathway.Rule = req.Rule
	pathway.OrderMode = req.OrderMode
	pathway.UpdatedAt = now

	if existing == nil {
		if err := tx.Omit("Steps").Create(pathway).Error; err != nil {
			return nil, fmt.Errorf("program: create pathway: %w", err)
		}
	} else {
		if err := tx.Omit("Steps").Save(pathway).Error; err != nil {
			return nil, fmt.Errorf("program: save pathway: %w", err)
		}
	}

	persistedSteps := make(map[uuid.UUID]*models.PathwayStep, len(pathway.Steps))
	for i := range pathway.Steps {
		persistedSteps[pathway.Steps[i].ID] = &pathway.Steps[i]
	}

	// Delete pass: drop persisted steps absent from the request, then, for
	// retained steps, drop persisted tasks absent from that step's request.
	requested := make(map[uuid.UUID]bool)
	for _, step := range req.Steps {
		if step.ID != nil {
			requested[*step.ID] = true
		}
	}
	for id, step := range persistedSteps {
		if !requested[id] {
			if err := deleteStep(tx, step); err != nil {
				return nil, err
			}
			delete(persistedSteps, id)
			continue
		}
	}
	for _, stepReq := range req.Steps {
		if stepReq.ID == nil {
			continue
		}
		persisted, ok := persistedSteps[*stepReq.ID]
		if !ok {
			return nil, models.Validationf("step id %s does not match an existing step", *stepReq.ID)
		}
		keep := make(map[uuid.UUID]bool, len(stepReq.Tasks))
		for _, task := range stepReq.Tasks {
			if task.ID != nil {
				keep[*task.ID] = true
			}
		}
		for _, task := range persisted.Tasks {
			if !keep[task.ID] {
				if err := tx.Delete(&models.PathwayTask{}, "id = ?", task.ID).Error; err != nil {
					return nil, fmt.Errorf("program: delete task: %w", err)
				}
			}
		}
	}

	// Upsert pass: walk incoming steps in request order, assigning a dense
	// 1-based orderDisplay. Order mirrors orderDisplay only under a
	// Sequential container; it stays null otherwise.
	result := make([]models.PathwayStep, 0, len(req.Steps))
	for i, stepReq := range req.Steps {
		display := i + 1
		var order *int
		if pathway.OrderMode == models.OrderSequential {
			v := display
			order = &v
		}
		var step *models.PathwayStep
		if stepReq.ID == nil {
			step = &models.PathwayStep{
				ID:        uuid.New(),
				PathwayID: pathway.ID,
				CreatedAt: now,
			}
		} else {
			step = persistedSteps[*stepReq.ID]
		}
		step.Name = strings.TrimSpace(stepReq.Name)
		step.Description = strings.TrimSpace(stepReq.Description)
		step.Rule = stepReq.Rule
		step.OrderMode = stepReq.OrderMode
		step.Order = order
		step.OrderDisplay = display
		step.UpdatedAt = now

		if stepReq.ID == nil {
			if err := tx.Omit("Tasks").Create(step).Error; err != nil {
				return nil, fmt.Errorf("program: create step: %w", err)
			}
		} else {
			if err := tx.Omit("Tasks").Save(step).Error; err != nil {
				return nil, fmt.Errorf("program: save step: %w", err)
			}
		}

		tasks, err := s.upsertTasks(tx, step, stepReq.Tasks, now)
		if err != nil {
			return nil, err
		}
		step.Tasks = tasks
		result = append(result, *step)
	}
	pathway.Steps = result
	return pathway, nil
}

func (s *Service) upsertTasks(tx *gorm.DB, step *models.PathwayStep, reqs []PathwayTaskRequest, now time.Time) ([]models.PathwayTask, error) {
	persisted := make(map[uuid.UUID]*models.PathwayTask, len(step.Tasks))
	for i := range step.Tasks {
		persisted[step.Tasks[i].ID] = &step.Tasks[i]
	}
	result := make([]models.PathwayTask, 0, len(reqs))
	for i, taskReq := range reqs {
		display := i + 1
		var order *int
		if step.OrderMode == models.OrderSequential {
			v := display
			order = &v
		}
		var task *models.PathwayTask
		if taskReq.ID == nil {
			task = &models.PathwayTask{
				ID:        uuid.New(),
				StepID:    step.ID,
				CreatedAt: now,
			}
		} else {
			existing, ok := persisted[*taskReq.ID]
			if !ok {
				return nil, models.Validationf("task id %s does not match an existing task", *taskReq.ID)
			}
			task = existing
		}
		title, err := s.opportunityTitle(tx.Statement.Context, taskReq.EntityID)
		if err != nil {
			return nil, err
		}
		task.EntityType = taskReq.EntityType
		task.EntityID = taskReq.EntityID
		task.EntityTitle = title
		task.Order = order
		task.OrderDisplay = display
		task.UpdatedAt = now

		if taskReq.ID == nil {
			if err := tx.Create(task).Error; err != nil {
				return nil, fmt.Errorf("program: create task: %w", err)
			}
		} else {
			if err := tx.Save(task).Error; err != nil {
				return nil, fmt.Errorf("program: save task: %w", err)
			}
		}
		result = append(result, *task)
	}
	return result, nil
}

func (s *Service) opportunityTitle(ctx context.Context, id uuid.UUID) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	op, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return op.Title, nil
}

func deleteStep(tx *gorm.DB, step *models.PathwayStep) error {
	if err := tx.Delete(&models.PathwayTask{}, "step_id = ?", step.ID).Error; err != nil {
		return fmt.Errorf("program: delete step tasks: %w", err)
	}
	if err := tx.Delete(&models.PathwayStep{}, "id = ?", step.ID).Error; err != nil {
		return fmt.Errorf("program: delete step: %w", err)
	}
	return nil
}

// loadPathwayTree fetches the persisted pathway with steps and tasks in
// display order, or nil when the program has none.
func loadPathwayTree(tx *gorm.DB, programID uuid.UUID) (*models.Pathway, error) {
	var pathway models.Pathway
	err := tx.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		Preload("Steps.Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		First(&pathway, "program_id = ?", programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("program: load pathway: %w", err)
	}
	return &pathway, nil
}
