package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// AppTemplate mirrors the app_templates table of the template index: one
// approved reference repository, with the full record as a JSONB document.
type AppTemplate struct {
	ent.Schema
}

func (AppTemplate) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("template_id").
			Unique().
			Immutable(),
		field.JSON("record", json.RawMessage{}),
		field.Time("approved_at").
			Default(time.Now),
	}
}
