package graph

const schema = `
-- Request nodes
CREATE TABLE IF NOT EXISTS task_requests (
    request_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    parameters TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'blocked', 'claimed', 'executing', 'done', 'failed', 'cancelled')),
    priority INTEGER NOT NULL DEFAULT 100 CHECK(priority >= 1 AND priority <= 1000),
    requester TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    claimed_at TEXT,
    finished_at TEXT,
    result_ref TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
);

-- Typed edges between nodes. depends_on points from a request to the
-- request it waits for; triggered_by points to a cascade rule; produced
-- points to an artifact reference.
CREATE TABLE IF NOT EXISTS request_edges (
    edge_id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('depends_on', 'triggered_by', 'produced')),
    created_at TEXT NOT NULL,
    UNIQUE(from_id, to_id, kind)
);

-- Cascade rule nodes
CREATE TABLE IF NOT EXISTS cascade_rules (
    rule_id TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    source_kind TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL,
    parameter_template TEXT NOT NULL DEFAULT '{}',
    priority INTEGER NOT NULL DEFAULT 100 CHECK(priority >= 1 AND priority <= 1000),
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL
);

-- Committed source artifacts
CREATE TABLE IF NOT EXISTS sources (
    source_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_requests_status_priority ON task_requests(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_requester ON task_requests(requester);
CREATE INDEX IF NOT EXISTS idx_requests_task ON task_requests(task_id);
CREATE INDEX IF NOT EXISTS idx_edges_from ON request_edges(from_id, kind);
CREATE INDEX IF NOT EXISTS idx_edges_to ON request_edges(to_id, kind);
`
