package store

// Schema creates every table used by the orchestration core and SICC.
// All timestamps are written as UTC time.Time values.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	name TEXT NOT NULL,
	slug TEXT UNIQUE NOT NULL,
	client_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	topics TEXT NOT NULL DEFAULT '[]',
	config TEXT NOT NULL DEFAULT '{}',
	inheritance_config TEXT NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
CREATE INDEX IF NOT EXISTS idx_agents_client ON agents(client_id);

CREATE TABLE IF NOT EXISTS memory_chunks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	content TEXT NOT NULL,
	chunk_type TEXT NOT NULL,
	embedding BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	source TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	version INTEGER NOT NULL DEFAULT 1,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_agent ON memory_chunks(agent_id, is_active);
CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_chunks(agent_id, created_at);

CREATE TABLE IF NOT EXISTS behavior_patterns (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	pattern_type TEXT NOT NULL,
	trigger_context TEXT NOT NULL DEFAULT '{}',
	action_config TEXT NOT NULL DEFAULT '{}',
	success_rate REAL NOT NULL DEFAULT 0,
	total_applications INTEGER NOT NULL DEFAULT 0,
	successful_applications INTEGER NOT NULL DEFAULT 0,
	occurrences INTEGER NOT NULL DEFAULT 0,
	confirmed BOOLEAN NOT NULL DEFAULT 0,
	last_applied_at DATETIME,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patterns_agent ON behavior_patterns(agent_id, is_active);

CREATE TABLE IF NOT EXISTS learning_logs (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	source TEXT NOT NULL,
	learning_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	source_data TEXT NOT NULL DEFAULT '{}',
	analysis TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	reviewed_by TEXT,
	reviewed_at DATETIME,
	review_reason TEXT NOT NULL DEFAULT '',
	applied_at DATETIME,
	result_id TEXT NOT NULL DEFAULT '',
	consolidation_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_agent_status ON learning_logs(agent_id, status);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	snapshot_type TEXT NOT NULL,
	memory_count INTEGER NOT NULL DEFAULT 0,
	pattern_count INTEGER NOT NULL DEFAULT 0,
	snapshot_data TEXT NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_id, created_at);

CREATE TABLE IF NOT EXISTS performance_metrics (
	agent_id TEXT NOT NULL,
	metric_date TEXT NOT NULL,
	total_interactions INTEGER NOT NULL DEFAULT 0,
	successful_interactions INTEGER NOT NULL DEFAULT 0,
	avg_response_time_ms REAL NOT NULL DEFAULT 0,
	user_satisfaction_score REAL NOT NULL DEFAULT 0,
	satisfaction_samples INTEGER NOT NULL DEFAULT 0,
	memory_chunks_used INTEGER NOT NULL DEFAULT 0,
	patterns_applied INTEGER NOT NULL DEFAULT 0,
	new_learnings INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_id, metric_date)
);

CREATE TABLE IF NOT EXISTS sicc_settings (
	agent_id TEXT PRIMARY KEY,
	settings TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS triggers (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL,
	trigger_config TEXT NOT NULL DEFAULT '{}',
	condition_type TEXT NOT NULL DEFAULT 'always',
	condition_config TEXT NOT NULL DEFAULT '{}',
	action_type TEXT NOT NULL,
	action_config TEXT NOT NULL DEFAULT '{}',
	active BOOLEAN NOT NULL DEFAULT 1,
	last_executed_at DATETIME,
	execution_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triggers_active ON triggers(active, client_id);

CREATE TABLE IF NOT EXISTS trigger_executions (
	id TEXT PRIMARY KEY,
	trigger_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	condition_met BOOLEAN NOT NULL,
	action_executed BOOLEAN NOT NULL,
	result TEXT NOT NULL DEFAULT '{}',
	error_text TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	executed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trigger_exec_trigger ON trigger_executions(trigger_id, executed_at);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS leads (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new',
	data TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_client ON leads(client_id, status);
`
