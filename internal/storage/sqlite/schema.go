package sqlite

const schema = `
-- Task catalog
CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('shell', 'python', 'python_file', 'typescript')),
    code TEXT NOT NULL,
    default_params TEXT NOT NULL DEFAULT '{}',
    working_dir TEXT NOT NULL DEFAULT '',
    env TEXT NOT NULL DEFAULT '{}',
    timeout_seconds INTEGER NOT NULL DEFAULT 300 CHECK(timeout_seconds > 0),
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Lease-based queue for standalone (non-stack) task runs
CREATE TABLE IF NOT EXISTS task_queue (
    queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL UNIQUE,
    task_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued', 'running', 'done', 'failed', 'cancelled')),
    parameters TEXT NOT NULL DEFAULT '{}',
    enqueued_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    worker_id TEXT NOT NULL DEFAULT '',
    lease_expires_at TEXT
);

-- Nodes of LIFO execution stacks. One row per task invocation.
CREATE TABLE IF NOT EXISTS stack_queue (
    queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL UNIQUE,
    stack_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    depth INTEGER NOT NULL DEFAULT 0,
    parent_queue_id INTEGER,
    sequence INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued', 'running', 'done', 'failed', 'cancelled')),
    enqueued_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    worker_id TEXT NOT NULL DEFAULT '',
    lease_expires_at TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    input_context TEXT NOT NULL DEFAULT '{}',
    output TEXT,
    output_context TEXT,
    pushed_children TEXT NOT NULL DEFAULT '[]',
    error_message TEXT NOT NULL DEFAULT '',
    cost TEXT
);

-- One row per stack; holds the accumulated context and, after
-- finalization, the full execution trace.
CREATE TABLE IF NOT EXISTS execution_stacks (
    stack_id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL DEFAULT 'running'
        CHECK(status IN ('running', 'done', 'failed', 'cancelled')),
    initial_request_id TEXT NOT NULL UNIQUE,
    initial_task_id TEXT NOT NULL,
    initial_params TEXT NOT NULL DEFAULT '{}',
    context TEXT NOT NULL DEFAULT '{}',
    trace TEXT NOT NULL DEFAULT '[]',
    final_output TEXT,
    error_message TEXT NOT NULL DEFAULT ''
);

-- Global operator switches (kill_switch, pause_new_tasks)
CREATE TABLE IF NOT EXISTS control_flags (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Follow-up work registered against a task_queue entry, enqueued once
-- when that entry completes successfully.
CREATE TABLE IF NOT EXISTS task_fanout (
    fanout_id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_queue_id INTEGER NOT NULL,
    mode TEXT NOT NULL CHECK(mode IN ('existing_task', 'inline_task')),
    child_task_id TEXT NOT NULL DEFAULT '',
    parameters TEXT NOT NULL DEFAULT '{}',
    inline_kind TEXT NOT NULL DEFAULT '',
    inline_code TEXT NOT NULL DEFAULT '',
    inline_timeout_seconds INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    child_queue_id INTEGER,
    child_request_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    FOREIGN KEY (parent_queue_id) REFERENCES task_queue(queue_id)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_lease ON task_queue(status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_stack_queue_stack ON stack_queue(stack_id, status);
CREATE INDEX IF NOT EXISTS idx_stack_queue_lifo ON stack_queue(stack_id, depth, sequence, queue_id);
CREATE INDEX IF NOT EXISTS idx_stacks_status ON execution_stacks(status);
CREATE INDEX IF NOT EXISTS idx_fanout_parent ON task_fanout(parent_queue_id, processed);
`
