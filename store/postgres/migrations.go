package postgres

// migration pairs a unique name with the SQL it applies. Migrations run
// in slice order and are recorded in lister_migrations; never reorder or
// edit an entry that has shipped — append a new one.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_jobs",
		sql: `
		CREATE TABLE IF NOT EXISTS lister_jobs (
			id            TEXT PRIMARY KEY,
			payload       BYTEA NOT NULL,
			state         TEXT NOT NULL DEFAULT 'pending',
			priority      INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 3,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			external_id   TEXT NOT NULL DEFAULT '',
			submitter     TEXT NOT NULL DEFAULT '',
			upload_id     TEXT NOT NULL DEFAULT '',
			scheduled_at  TIMESTAMPTZ,
			claimed_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			timeout_ns    BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lister_jobs_dispatch
			ON lister_jobs (priority DESC, created_at ASC)
			WHERE state = 'pending';

		CREATE INDEX IF NOT EXISTS idx_lister_jobs_state
			ON lister_jobs (state);

		CREATE INDEX IF NOT EXISTS idx_lister_jobs_promote
			ON lister_jobs (scheduled_at)
			WHERE state = 'scheduled'`,
	},
	{
		name: "002_create_schedules",
		sql: `
		CREATE TABLE IF NOT EXISTS lister_schedules (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL UNIQUE,
			frequency         TEXT NOT NULL,
			hour              INTEGER NOT NULL DEFAULT 0,
			minute            INTEGER NOT NULL DEFAULT 0,
			days_of_week      INTEGER[] NOT NULL DEFAULT '{}',
			day_of_month      INTEGER NOT NULL DEFAULT 0,
			expression        TEXT NOT NULL DEFAULT '',
			next_execution_at TIMESTAMPTZ,
			item_min          INTEGER NOT NULL DEFAULT 0,
			item_max          INTEGER NOT NULL DEFAULT 0,
			interval_min_ns   BIGINT NOT NULL DEFAULT 0,
			interval_max_ns   BIGINT NOT NULL DEFAULT 0,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at       TIMESTAMPTZ,
			locked_by         TEXT NOT NULL DEFAULT '',
			locked_until      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lister_schedules_due
			ON lister_schedules (next_execution_at)
			WHERE active`,
	},
	{
		name: "003_create_uploads",
		sql: `
		CREATE TABLE IF NOT EXISTS lister_uploads (
			id             TEXT PRIMARY KEY,
			submitter      TEXT NOT NULL DEFAULT '',
			filename       TEXT NOT NULL DEFAULT '',
			content_hash   TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'uploaded',
			total_rows     INTEGER NOT NULL DEFAULT 0,
			valid_rows     INTEGER NOT NULL DEFAULT 0,
			error_rows     INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			content        BYTEA NOT NULL,
			completed_at   TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (submitter, content_hash)
		);

		CREATE TABLE IF NOT EXISTS lister_upload_rows (
			id         TEXT PRIMARY KEY,
			upload_id  TEXT NOT NULL REFERENCES lister_uploads(id) ON DELETE CASCADE,
			row_number INTEGER NOT NULL,
			raw_fields TEXT[] NOT NULL DEFAULT '{}',
			title      TEXT NOT NULL DEFAULT '',
			price      DOUBLE PRECISION NOT NULL DEFAULT 0,
			quantity   INTEGER NOT NULL DEFAULT 0,
			image_urls TEXT[] NOT NULL DEFAULT '{}',
			is_valid   BOOLEAN NOT NULL DEFAULT FALSE,
			errors     TEXT[] NOT NULL DEFAULT '{}',
			warnings   TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (upload_id, row_number)
		)`,
	},
}
