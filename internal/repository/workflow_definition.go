package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

type WorkflowDefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowDefinitionRepository(db *sql.DB, clock core.Clock) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db, clock: clock}
}

// definitionBody is the versioned content of a definition, stored as JSON.
type definitionBody struct {
	Steps    []domain.StepDefinition `json:"steps"`
	Settings domain.WorkflowSettings `json:"settings"`
}

// Save stores def as a new version when its content differs from the latest stored version.
// def.Version is set to the version that now holds this content.
func (r *WorkflowDefinitionRepository) Save(def *domain.WorkflowDefinition) (bool, error) {
	body, err := json.Marshal(definitionBody{Steps: def.Steps, Settings: def.Settings})
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		latest, latestBody, err := r.findLatestRaw(def.Name)
		if err != nil && err != ErrNotFound {
			return false, err
		}
		next := 1
		if latest != nil {
			if latestBody == string(body) && latest.Description == def.Description {
				def.Version = latest.Version
				def.Created = latest.Created
				return false, nil
			}
			next = latest.Version + 1
		}
		created := r.clock.Now()
		query := `INSERT INTO workflow_definitions (name, version, description, definition, created)
			VALUES (` + placeholders(1, 5) + `)`
		_, err = r.db.Exec(query, def.Name, next, def.Description, string(body), formatDateInDatabase(created))
		if err == nil {
			def.Version = next
			def.Created = created
			return true, nil
		}
		if !isUniqueViolation(err) {
			return false, err
		}
		// another process registered the same version first, compare against it
	}
	return false, fmt.Errorf("save workflow definition %q: too many concurrent versions", def.Name)
}

func (r *WorkflowDefinitionRepository) findLatestRaw(name string) (*domain.WorkflowDefinition, string, error) {
	query := `
		SELECT name, version, description, definition, created
		FROM workflow_definitions WHERE name = ` + placeholder(1) + `
		ORDER BY version DESC LIMIT 1`
	return scanDefinition(r.db.QueryRow(query, name))
}

func scanDefinition(row scanner) (*domain.WorkflowDefinition, string, error) {
	var def domain.WorkflowDefinition
	var raw string
	if err := row.Scan(&def.Name, &def.Version, &def.Description, &raw, &def.Created); err != nil {
		return nil, "", notFound(err)
	}
	var body definitionBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, "", fmt.Errorf("decode workflow definition %s v%d: %w", def.Name, def.Version, err)
	}
	def.Steps = body.Steps
	def.Settings = body.Settings
	return &def, raw, nil
}

// FindLatest returns the newest version of a definition by name.
func (r *WorkflowDefinitionRepository) FindLatest(name string) (*domain.WorkflowDefinition, error) {
	def, _, err := r.findLatestRaw(name)
	return def, err
}

// FindVersion returns one specific version, used by executions pinned at enqueue time.
func (r *WorkflowDefinitionRepository) FindVersion(name string, version int) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT name, version, description, definition, created
		FROM workflow_definitions WHERE name = ` + placeholder(1) + ` AND version = ` + placeholder(2)
	def, _, err := scanDefinition(r.db.QueryRow(query, name, version))
	return def, err
}

// FindAll returns the latest version of every definition.
func (r *WorkflowDefinitionRepository) FindAll() ([]*domain.WorkflowDefinition, error) {
	query := `
		SELECT d.name, d.version, d.description, d.definition, d.created
		FROM workflow_definitions d
		WHERE d.version = (SELECT MAX(v.version) FROM workflow_definitions v WHERE v.name = d.name)
		ORDER BY d.name
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]*domain.WorkflowDefinition, 0)
	for rows.Next() {
		d, _, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
