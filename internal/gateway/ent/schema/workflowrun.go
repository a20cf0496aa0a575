package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
)

// WorkflowRun mirrors the app_runs table the run store bootstraps at
// startup: the run id, the coarse state, and the full snapshot as one JSONB
// document.
type WorkflowRun struct {
	ent.Schema
}

func (WorkflowRun) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "app_runs"},
	}
}

func (WorkflowRun) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("state").
			NotEmpty(),
		field.JSON("snapshot", json.RawMessage{}),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}
