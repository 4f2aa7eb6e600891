package store

// SQL schema constants for all ttscore tables.

const schemaAudioCache = `
CREATE TABLE IF NOT EXISTS audio_cache (
    fingerprint TEXT PRIMARY KEY,
    codec TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    last_access TEXT NOT NULL,
    audio BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_cache_last_access ON audio_cache(last_access);
`

const schemaBlockVariants = `
CREATE TABLE IF NOT EXISTS block_variants (
    document_id TEXT NOT NULL,
    block_idx INTEGER NOT NULL,
    model_slug TEXT NOT NULL,
    voice_slug TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error_reason TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (document_id, block_idx, model_slug, voice_slug)
);
CREATE INDEX IF NOT EXISTS idx_block_variants_fingerprint ON block_variants(fingerprint);
CREATE INDEX IF NOT EXISTS idx_block_variants_document ON block_variants(document_id);
`

const schemaDeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    model_slug TEXT NOT NULL,
    document_id TEXT NOT NULL,
    block_idx INTEGER NOT NULL,
    reason TEXT NOT NULL,
    dead_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_expires ON dead_letters(expires_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_model ON dead_letters(model_slug);
`

const schemaUsageLedger = `
CREATE TABLE IF NOT EXISTS usage_ledger (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    user_id TEXT NOT NULL,
    model_slug TEXT NOT NULL,
    billable_units INTEGER NOT NULL DEFAULT 0,
    cache_hit INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_ledger_user ON usage_ledger(user_id, recorded_at);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas is the ordered list of schema DDL statements that form
// the initial (version-1) database layout.
var allSchemas = []string{
	schemaAudioCache,
	schemaBlockVariants,
	schemaDeadLetters,
	schemaUsageLedger,
	schemaMigrations,
}
