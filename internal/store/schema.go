package store

// SchemaSQL contains the record store schema. The backlog view and the
// embedding invalidation trigger live here so the freshness rule is enforced
// by the store itself, not by any script that happens to write to it.
const SchemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

-- ==========================================================================
-- REPOSITORIES
-- ==========================================================================
CREATE TABLE IF NOT EXISTS repositories (
    id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    owner          text NOT NULL,
    name           text NOT NULL,
    last_synced_at timestamptz,
    created_at     timestamptz NOT NULL DEFAULT now(),
    UNIQUE (owner, name)
);

-- ==========================================================================
-- ITEM TABLES (issues / pull_requests / discussions)
-- ==========================================================================
-- Natural key is (repository_id, github_id): upserts from at-least-once
-- event delivery must converge on one row per source item.
CREATE TABLE IF NOT EXISTS issues (
    id                     uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    github_id              text NOT NULL,
    repository_id          uuid NOT NULL REFERENCES repositories(id),
    number                 integer,
    title                  text,
    body                   text,
    state                  text,
    author_login           text,
    updated_at             timestamptz,
    embedding              vector(384),
    embedding_generated_at timestamptz,
    created_at             timestamptz NOT NULL DEFAULT now(),
    UNIQUE (repository_id, github_id)
);

CREATE TABLE IF NOT EXISTS pull_requests (
    id                     uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    github_id              text NOT NULL,
    repository_id          uuid NOT NULL REFERENCES repositories(id),
    number                 integer,
    title                  text,
    body                   text,
    state                  text,
    author_login           text,
    updated_at             timestamptz,
    embedding              vector(384),
    embedding_generated_at timestamptz,
    created_at             timestamptz NOT NULL DEFAULT now(),
    UNIQUE (repository_id, github_id)
);

CREATE TABLE IF NOT EXISTS discussions (
    id                     uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    github_id              text NOT NULL,
    repository_id          uuid NOT NULL REFERENCES repositories(id),
    number                 integer,
    title                  text,
    body                   text,
    state                  text,
    author_login           text,
    updated_at             timestamptz,
    embedding              vector(384),
    embedding_generated_at timestamptz,
    created_at             timestamptz NOT NULL DEFAULT now(),
    UNIQUE (repository_id, github_id)
);

-- ==========================================================================
-- EMBEDDING INVALIDATION
-- ==========================================================================
-- A content edit nulls the vector so the item reappears in the backlog.
CREATE OR REPLACE FUNCTION clear_stale_embedding() RETURNS trigger AS $$
BEGIN
    IF NEW.title IS DISTINCT FROM OLD.title OR NEW.body IS DISTINCT FROM OLD.body THEN
        IF NEW.embedding_generated_at IS NOT DISTINCT FROM OLD.embedding_generated_at THEN
            NEW.embedding := NULL;
            NEW.embedding_generated_at := NULL;
        END IF;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS issues_clear_embedding ON issues;
CREATE TRIGGER issues_clear_embedding
    BEFORE UPDATE ON issues
    FOR EACH ROW EXECUTE FUNCTION clear_stale_embedding();

DROP TRIGGER IF EXISTS pull_requests_clear_embedding ON pull_requests;
CREATE TRIGGER pull_requests_clear_embedding
    BEFORE UPDATE ON pull_requests
    FOR EACH ROW EXECUTE FUNCTION clear_stale_embedding();

DROP TRIGGER IF EXISTS discussions_clear_embedding ON discussions;
CREATE TRIGGER discussions_clear_embedding
    BEFORE UPDATE ON discussions
    FOR EACH ROW EXECUTE FUNCTION clear_stale_embedding();

-- ==========================================================================
-- BACKLOG VIEW
-- ==========================================================================
-- Read-only projection consumed by the drain driver. An item needs "sync"
-- when its body was never fetched, "embedding" when the vector is missing.
CREATE OR REPLACE VIEW items_needing_capture AS
    SELECT 'issue'::text AS item_type, id, repository_id, title,
           CASE WHEN body IS NULL THEN 'sync' ELSE 'embedding' END AS missing_attribute
      FROM issues
     WHERE body IS NULL OR embedding IS NULL
UNION ALL
    SELECT 'pull_request', id, repository_id, title,
           CASE WHEN body IS NULL THEN 'sync' ELSE 'embedding' END
      FROM pull_requests
     WHERE body IS NULL OR embedding IS NULL
UNION ALL
    SELECT 'discussion', id, repository_id, title,
           CASE WHEN body IS NULL THEN 'sync' ELSE 'embedding' END
      FROM discussions
     WHERE body IS NULL OR embedding IS NULL;

-- ==========================================================================
-- JOB LEDGER
-- ==========================================================================
CREATE TABLE IF NOT EXISTS capture_jobs (
    id              uuid PRIMARY KEY,
    job_type        text NOT NULL,
    repository_id   text,
    item_ids        text[],
    status          text NOT NULL DEFAULT 'pending',
    items_processed integer NOT NULL DEFAULT 0,
    items_total     integer NOT NULL DEFAULT 0,
    error           text,
    created_at      timestamptz NOT NULL DEFAULT now(),
    started_at      timestamptz,
    completed_at    timestamptz,
    CHECK (items_processed <= items_total)
);

CREATE INDEX IF NOT EXISTS capture_jobs_status_idx ON capture_jobs (status, started_at);
`
