package database

// The invariant enforcer. Constitutional invariants live here as triggers
// and constraints so no bug in an upper layer can corrupt money or XP.
// Triggers raise 'HXnnn: ...' messages; hxerr.FromPg turns them into
// CONFLICT errors with the stable code attached.
//
// Admin overrides run with the transaction-local setting
// hustlexp.admin_override = 'on'; the same transaction must insert an
// admin_action_audit row, which the override trigger verifies.

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		role            TEXT NOT NULL DEFAULT 'hustler',
		trust_tier      INT  NOT NULL DEFAULT 0 CHECK (trust_tier BETWEEN 0 AND 5),
		total_xp        BIGINT NOT NULL DEFAULT 0 CHECK (total_xp >= 0),
		level           INT  NOT NULL DEFAULT 1,
		streak_days     INT  NOT NULL DEFAULT 0,
		last_active_at  TIMESTAMPTZ,
		archived_at     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		poster_id      TEXT NOT NULL REFERENCES users(id),
		hustler_id     TEXT REFERENCES users(id),
		category       TEXT NOT NULL,
		city           TEXT NOT NULL DEFAULT '',
		zone           TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL,
		price_cents    BIGINT NOT NULL CHECK (price_cents > 0),
		state          TEXT NOT NULL DEFAULT 'OPEN',
		proof_deadline TIMESTAMPTZ,
		expires_at     TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS money_state_lock (
		task_id           TEXT PRIMARY KEY REFERENCES tasks(id),
		state             TEXT NOT NULL DEFAULT 'OPEN',
		amount_cents      BIGINT NOT NULL DEFAULT 0 CHECK (amount_cents >= 0),
		version           INT NOT NULL DEFAULT 0,
		payment_intent_id TEXT NOT NULL DEFAULT '',
		charge_id         TEXT NOT NULL DEFAULT '',
		transfer_id       TEXT NOT NULL DEFAULT '',
		refund_id         TEXT NOT NULL DEFAULT '',
		refund_cents      BIGINT NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS proofs (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES tasks(id),
		submitter_id  TEXT NOT NULL REFERENCES users(id),
		artifact_keys TEXT[] NOT NULL DEFAULT '{}',
		state         TEXT NOT NULL DEFAULT 'SUBMITTED',
		deadline_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		decided_at    TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS task_state_log (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id),
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		actor_id   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS money_events_audit (
		id              TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		provider_ref    TEXT NOT NULL DEFAULT '',
		amount_cents    BIGINT NOT NULL DEFAULT 0,
		outcome         TEXT NOT NULL DEFAULT 'issued',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS admin_action_audit (
		id           TEXT PRIMARY KEY,
		actor_id     TEXT NOT NULL,
		action       TEXT NOT NULL,
		target_type  TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		before_state TEXT NOT NULL DEFAULT '',
		reason       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS xp_ledger (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL REFERENCES users(id),
		task_id                  TEXT,
		money_state_lock_task_id TEXT UNIQUE,
		base_xp                  BIGINT NOT NULL,
		decay_factor             NUMERIC(6,4) NOT NULL,
		effective_xp             BIGINT NOT NULL,
		streak_multiplier        NUMERIC(4,2) NOT NULL,
		final_xp                 BIGINT NOT NULL,
		reason                   TEXT NOT NULL,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS trust_ledger (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES users(id),
		delta           INT NOT NULL,
		tier_after      INT NOT NULL,
		reason          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		event_version   INT NOT NULL DEFAULT 1,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload         JSONB NOT NULL,
		queue_name      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		lease_id        TEXT NOT NULL DEFAULT '',
		lease_until     TIMESTAMPTZ,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_claim_idx
		ON outbox_events (queue_name, next_attempt_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS provider_webhook_events (
		provider_event_id TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		received_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS correction_log (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		target_entity TEXT NOT NULL,
		target_id     TEXT NOT NULL,
		scope         TEXT NOT NULL,
		scope_key     TEXT NOT NULL DEFAULT '',
		adjustment    TEXT NOT NULL,
		magnitude     NUMERIC(10,4) NOT NULL,
		reason_code   TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'applied',
		applied_by    TEXT NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		reversed_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS causal_outcomes (
		id                TEXT PRIMARY KEY,
		correction_id     TEXT NOT NULL REFERENCES correction_log(id),
		treated_baseline  JSONB NOT NULL,
		treated_post      JSONB NOT NULL,
		control_baseline  JSONB NOT NULL,
		control_post      JSONB NOT NULL,
		net_lift          JSONB NOT NULL,
		verdict           TEXT NOT NULL,
		confidence        NUMERIC(4,3) NOT NULL CHECK (confidence BETWEEN 0 AND 1),
		measured_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS system_flags (
		name       TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// ------------------------------------------------------------------
	// Invariant triggers
	// ------------------------------------------------------------------

	`CREATE OR REPLACE FUNCTION hx_admin_override() RETURNS BOOLEAN AS $$
	BEGIN
		RETURN COALESCE(current_setting('hustlexp.admin_override', true), '') = 'on';
	END;
	$$ LANGUAGE plpgsql`,

	// HX001: terminal tasks are frozen. Admin override must carry an audit
	// row in the same transaction.
	`CREATE OR REPLACE FUNCTION hx_task_terminal_guard() RETURNS TRIGGER AS $$
	BEGIN
		IF OLD.state IN ('COMPLETED','CANCELLED','EXPIRED') THEN
			IF NOT hx_admin_override() THEN
				RAISE EXCEPTION 'HX001: task % in terminal state % is immutable', OLD.id, OLD.state;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM admin_action_audit
				WHERE target_type = 'task' AND target_id = OLD.id
				  AND created_at > now() - interval '5 minutes'
			) THEN
				RAISE EXCEPTION 'HX001: admin override without audit row for task %', OLD.id;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS task_terminal_guard ON tasks`,
	`CREATE TRIGGER task_terminal_guard BEFORE UPDATE ON tasks
		FOR EACH ROW EXECUTE FUNCTION hx_task_terminal_guard()`,

	// HX301: COMPLETED requires an ACCEPTED proof.
	`CREATE OR REPLACE FUNCTION hx_task_completion_guard() RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.state = 'COMPLETED' AND OLD.state IS DISTINCT FROM 'COMPLETED' THEN
			IF NOT EXISTS (
				SELECT 1 FROM proofs WHERE task_id = NEW.id AND state = 'ACCEPTED'
			) THEN
				RAISE EXCEPTION 'HX301: task % cannot complete without an accepted proof', NEW.id;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS task_completion_guard ON tasks`,
	`CREATE TRIGGER task_completion_guard BEFORE UPDATE ON tasks
		FOR EACH ROW EXECUTE FUNCTION hx_task_completion_guard()`,

	// HX002 + HX004 + HX201: money terminal freeze, amount immutability,
	// release gated on task completion. The one permitted write to a
	// terminal row fills a missing transfer_id on a RELEASED escrow,
	// which the payout worker needs when the release commit lost the
	// provider reference; every other column must stay untouched.
	`CREATE OR REPLACE FUNCTION hx_money_guard() RETURNS TRIGGER AS $$
	BEGIN
		IF OLD.state IN ('RELEASED','REFUNDED','REFUND_PARTIAL') THEN
			IF NOT (OLD.state = 'RELEASED' AND NEW.state = 'RELEASED'
				AND OLD.transfer_id = '' AND NEW.transfer_id <> ''
				AND NEW.amount_cents = OLD.amount_cents
				AND NEW.refund_cents = OLD.refund_cents
				AND NEW.refund_id = OLD.refund_id
				AND NEW.version = OLD.version) THEN
				RAISE EXCEPTION 'HX002: money state % for task % is terminal', OLD.state, OLD.task_id;
			END IF;
		END IF;
		IF OLD.state <> 'OPEN' AND NEW.amount_cents <> OLD.amount_cents THEN
			RAISE EXCEPTION 'HX004: amount_cents for task % is immutable after HELD', OLD.task_id;
		END IF;
		IF NEW.state = 'RELEASED' AND OLD.state IS DISTINCT FROM 'RELEASED' AND NOT hx_admin_override() THEN
			IF NOT EXISTS (
				SELECT 1 FROM tasks WHERE id = NEW.task_id AND state = 'COMPLETED'
			) THEN
				RAISE EXCEPTION 'HX201: escrow for task % can only release when task is COMPLETED', NEW.task_id;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS money_guard ON money_state_lock`,
	`CREATE TRIGGER money_guard BEFORE UPDATE ON money_state_lock
		FOR EACH ROW EXECUTE FUNCTION hx_money_guard()`,

	// HX101: XP only against RELEASED money. HX102: append-only.
	`CREATE OR REPLACE FUNCTION hx_xp_insert_guard() RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.money_state_lock_task_id IS NOT NULL THEN
			IF NOT EXISTS (
				SELECT 1 FROM money_state_lock
				WHERE task_id = NEW.money_state_lock_task_id AND state = 'RELEASED'
			) THEN
				RAISE EXCEPTION 'HX101: XP for task % requires RELEASED money state', NEW.money_state_lock_task_id;
			END IF;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS xp_insert_guard ON xp_ledger`,
	`CREATE TRIGGER xp_insert_guard BEFORE INSERT ON xp_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_xp_insert_guard()`,

	`CREATE OR REPLACE FUNCTION hx_append_only() RETURNS TRIGGER AS $$
	BEGIN
		RAISE EXCEPTION '%: % rows are append-only', TG_ARGV[0], TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS xp_append_only ON xp_ledger`,
	`CREATE TRIGGER xp_append_only BEFORE UPDATE OR DELETE ON xp_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_append_only('HX102')`,

	`DROP TRIGGER IF EXISTS trust_append_only ON trust_ledger`,
	`CREATE TRIGGER trust_append_only BEFORE UPDATE OR DELETE ON trust_ledger
		FOR EACH ROW EXECUTE FUNCTION hx_append_only('HX401')`,

	`DROP TRIGGER IF EXISTS admin_audit_append_only ON admin_action_audit`,
	`CREATE TRIGGER admin_audit_append_only BEFORE UPDATE OR DELETE ON admin_action_audit
		FOR EACH ROW EXECUTE FUNCTION hx_append_only('HX801')`,

	`DROP TRIGGER IF EXISTS money_audit_append_only ON money_events_audit`,
	`CREATE TRIGGER money_audit_append_only BEFORE DELETE ON money_events_audit
		FOR EACH ROW EXECUTE FUNCTION hx_append_only('HX901')`,

	`DROP TRIGGER IF EXISTS state_log_append_only ON task_state_log`,
	`CREATE TRIGGER state_log_append_only BEFORE UPDATE OR DELETE ON task_state_log
		FOR EACH ROW EXECUTE FUNCTION hx_append_only('HX902')`,
}
