package store

// Caption is the parsed model output. All five fields are required by the
// prompt's output schema.
type Caption struct {
	RegularSummary               string `bson:"regular_summary" json:"regular_summary"`
	MidjourneyStyleSummary       string `bson:"midjourney_style_summary" json:"midjourney_style_summary"`
	ShortSummary                 string `bson:"short_summary" json:"short_summary"`
	CreationInstructionalSummary string `bson:"creation_instructional_summary" json:"creation_instructional_summary"`
	DeviantartCommissionRequest  string `bson:"deviantart_commission_request" json:"deviantart_commission_request"`
}

// CaptionOutcome is the per-id terminal result, upserted into the shard
// collection named ShardName(id). Exactly one exists per input id after a
// completed batch.
type CaptionOutcome struct {
	ID         int64 `bson:"_id" json:"_id"`
	Success    bool  `bson:"success" json:"success"`
	StatusCode int   `bson:"status_code" json:"status_code"`

	// Seconds spent on this item.
	ProcessingTime float64 `bson:"processing_time" json:"processing_time"`

	ImageURL  string   `bson:"image_url,omitempty" json:"image_url,omitempty"`
	Prompt    string   `bson:"prompt,omitempty" json:"prompt,omitempty"`
	Caption   *Caption `bson:"caption,omitempty" json:"caption,omitempty"`
	Artist    []string `bson:"artist,omitempty" json:"artist,omitempty"`
	Character []string `bson:"character,omitempty" json:"character,omitempty"`
	Tags      []string `bson:"tags,omitempty" json:"tags,omitempty"`

	Error      string `bson:"error,omitempty" json:"error,omitempty"`
	ErrorType  string `bson:"error_type,omitempty" json:"error_type,omitempty"`
	ErrorStack string `bson:"error_stack,omitempty" json:"error_stack,omitempty"`

	// Unix seconds, set on first insert.
	CreatedAt float64 `bson:"created_at,omitempty" json:"created_at,omitempty"`
}
