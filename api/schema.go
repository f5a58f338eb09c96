package api

// Query selects one breakdown tree.
type Query struct {
	// Entity is the root entity type (e.g. "institution").
	Entity string `json:"entity" validate:"required"`
	// Breakdown is a registered breakdown shape id.
	Breakdown string `json:"breakdown" validate:"required"`
	// Root is the root entity id.
	Root uint32 `json:"root"`
	// Period indexes the configured time periods; 0 covers all time.
	Period int `json:"period,omitempty" validate:"gte=0,lt=16"`
	// ForceSpill routes the computation through the disk-spill path.
	ForceSpill bool `json:"forceSpill,omitempty"`
	// Filter is a dimension-value prefix restricting the tree to one
	// connection path (drill-down).
	Filter []uint32 `json:"filter,omitempty" validate:"max=4"`
	// Select is an optional JSONPath evaluated against the tree.
	Select string `json:"select,omitempty"`
}

// Tree is the JSON projection of a collapsed tree node.
type Tree struct {
	// Kind is "internal" for nodes with a child map and "leaf" at full depth.
	Kind           string           `json:"kind"`
	LinkCount      uint32           `json:"linkCount"`
	SourceCount    uint32           `json:"sourceCount"`
	TopSourceID    uint32           `json:"topSourceId"`
	TopSourceLinks uint32           `json:"topSourceLinks"`
	Children       map[string]*Tree `json:"children,omitempty"`
}

const (
	KindInternal = "internal"
	KindLeaf     = "leaf"
)

// Level describes one level of the breakdown shape.
type Level struct {
	Dimension  string `json:"dimension"`
	Combine    string `json:"combine"`
	NormIndex  int    `json:"normIndex"`
	SourceSide bool   `json:"sourceSide,omitempty"`
}

// Response is the answer to a Query.
type Response struct {
	Entity      string  `json:"entity"`
	Breakdown   string  `json:"breakdown"`
	Root        uint32  `json:"root"`
	Period      int     `json:"period"`
	PeriodStart uint16  `json:"periodStart"`
	Levels      []Level `json:"levels"`
	Tree        *Tree   `json:"tree"`
	// Labels maps dimension name to value id to display label.
	Labels map[string]map[string]string `json:"labels"`
	// Baselines maps dimension name to value id to expected citation share.
	Baselines map[string]map[string]float64 `json:"baselines"`
	// Selection holds the JSONPath matches when the query carried one.
	Selection []any `json:"selection,omitempty"`
}
