package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/olumi/cee/internal/graph"
)

// Schema versions accepted on the wire. The query values "2" and "2.2" are
// normalised to v2 by the HTTP layer.
const (
	SchemaV1 = "v1"
	SchemaV2 = "v2"
	SchemaV3 = "v3"
)

// SchemaVersionTag returns the schema_version string for a schema family.
func SchemaVersionTag(schema string) string {
	switch schema {
	case SchemaV1:
		return "1.0"
	case SchemaV2:
		return "2.2"
	default:
		return "3.0"
	}
}

// RenderGraph serialises the graph for a schema family. v1 and v3 emit the
// canonical form; v2 renames each node's "kind" member to "type" for older
// consumers. Unknown fields survive in every family.
func RenderGraph(g *graph.Graph, schema string) (json.RawMessage, error) {
	canonical, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("serialise graph: %w", err)
	}
	if schema != SchemaV2 {
		return canonical, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, err
	}
	var nodes []map[string]json.RawMessage
	if err := json.Unmarshal(doc["nodes"], &nodes); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if kind, ok := n["kind"]; ok {
			n["type"] = kind
			delete(n, "kind")
		}
	}
	rendered, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	doc["nodes"] = rendered
	return json.Marshal(doc)
}
