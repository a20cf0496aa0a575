package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// QuotaHit mirrors the app_quota_hits table of the rate gate: one admitted
// run request per row, counted over a rolling window.
type QuotaHit struct {
	ent.Schema
}

func (QuotaHit) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "app_quota_hits"},
	}
}

func (QuotaHit) Fields() []ent.Field {
	return []ent.Field{
		field.Int("id").
			Unique().
			Immutable(),
		field.String("user_id").
			NotEmpty(),
		field.Time("hit_at").
			Default(time.Now),
	}
}

func (QuotaHit) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("user_id", "hit_at").
			StorageKey("app_quota_hits_user_time"),
	}
}
