package store

const schema = `
CREATE TABLE IF NOT EXISTS posts (
    id           TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL,
    source_name  TEXT NOT NULL DEFAULT '',
    message      TEXT NOT NULL DEFAULT '',
    author       TEXT NOT NULL DEFAULT '',
    permalink    TEXT NOT NULL DEFAULT '',
    created_time DATETIME NOT NULL,
    collected_at DATETIME NOT NULL,
    extra        TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_posts_source ON posts(source_id);
CREATE INDEX IF NOT EXISTS idx_posts_created_time ON posts(created_time);

CREATE TABLE IF NOT EXISTS comments (
    id           TEXT PRIMARY KEY,
    parent_id    TEXT NOT NULL,
    source_name  TEXT NOT NULL DEFAULT '',
    message      TEXT NOT NULL DEFAULT '',
    author       TEXT NOT NULL DEFAULT '',
    created_time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_parent ON comments(parent_id);

CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    items          INTEGER NOT NULL DEFAULT 0,
    sub_items      INTEGER NOT NULL DEFAULT 0,
    batches        INTEGER NOT NULL DEFAULT 0,
    error_detail   TEXT NOT NULL DEFAULT '',
    failures       TEXT NOT NULL DEFAULT '{}',
    interrupted    TEXT NOT NULL DEFAULT '',
    window_start   DATETIME NOT NULL,
    window_end     DATETIME NOT NULL,
    finished_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

CREATE TABLE IF NOT EXISTS contacts (
    user_id    TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, key)
);
`
