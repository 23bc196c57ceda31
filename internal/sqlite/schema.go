package sqlite

// Schema DDL. Every entity type shares one table; bodies are stored as JSON
// text and queried with the JSON1 functions.
const (
	createEntities = `CREATE TABLE IF NOT EXISTS entities (
    entity_name TEXT NOT NULL,
    entity_key TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_name, entity_key)
);`

	idxEntitiesCreated = `CREATE INDEX IF NOT EXISTS idx_entities_created ON entities(entity_name, created_at);`
)

// schemaDDL lists the statements run on attach, in order.
var schemaDDL = []string{
	createEntities,
	idxEntitiesCreated,
}
