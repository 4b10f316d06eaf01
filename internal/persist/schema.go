package persist

// schemaDefinitions holds the JSON Schema (draft-04, gojsonschema's
// default dialect) text for each persisted blob. Validation checks that
// each blob is an array of objects with their required fields, property
// types and (for tombstones) allowed reasons; it does not duplicate
// every peer-manager invariant — those are enforced by the
// peer manager itself as records are loaded.
var schemaDefinitions = map[string]string{
	KeyPeers: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["node_id"],
			"properties": {
				"node_id":     {"type": "string"},
				"hostname":    {"type": "string"},
				"nickname":    {"type": "string"},
				"ticket":      {"type": "string"},
				"first_seen":  {"type": "integer"},
				"last_seen":   {"type": "integer"},
				"last_synced": {"type": "integer"},
				"trusted":     {"type": "boolean"},
				"state":       {"type": "string"}
			}
		}
	}`,

	KeyDiscoveredPeers: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["node_id"],
			"properties": {
				"node_id":       {"type": "string"},
				"ticket":        {"type": "string"},
				"last_seen":     {"type": "integer"},
				"discovered_at": {"type": "integer"}
			}
		}
	}`,

	KeyPeerTombstones: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["node_id", "removed_at", "reason"],
			"properties": {
				"node_id":    {"type": "string"},
				"removed_at": {"type": "integer"},
				"reason":     {"type": "string", "enum": ["removed", "left"]}
			}
		}
	}`,
}
